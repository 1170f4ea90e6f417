package gozkgrid

import (
	"github.com/sirupsen/logrus"
)

// Logger is the package logger. Hosts may replace it or reconfigure it
// before connecting.
var Logger = logrus.New()
