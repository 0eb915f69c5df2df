// Package logging sets up the structured logger used throughout this
// module. Every long-running component takes a *logrus.Entry rather than
// reaching for a package-level global, so that a supervisor serving many
// feeds can tag each with its own "source" field.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Default is used by callers who don't wire their own logger in. Library
// code should prefer the logger passed to it at construction time.
var Default = New("default")

// New builds a logger tagged with the given feed/source identifier.
func New(source string) *logrus.Entry {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return base.WithField("source", source)
}

// WithProduct returns a derived logger tagged with a product index, for
// use inside a single BOP/DATA/EOP dispatch or tracker operation.
func WithProduct(log *logrus.Entry, productIndex uint32) *logrus.Entry {
	return log.WithField("product_index", productIndex)
}
