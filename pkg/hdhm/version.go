package hdhm

// Version is the semantic version of the hdhm library.
// It can be overridden at build time using:
//
//	go build -ldflags "-X github.com/CVDpl/go-live-hdhm/pkg/hdhm.Version=0.2.0"
var Version = "0.1.0"
