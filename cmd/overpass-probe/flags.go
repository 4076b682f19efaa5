package main

import (
	"flag"
	"strings"

	"github.com/spf13/afero"
)

// stringList collects repeated -query flags into a slice.
type stringList []string

var _ flag.Value = (*stringList)(nil)

func (l *stringList) String() string {
	if l == nil || len(*l) == 0 {
		return ""
	}
	return strings.Join(*l, ", ")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func newOsFs() afero.Fs {
	return afero.NewOsFs()
}
