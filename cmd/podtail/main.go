package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/control-theory/podtail/internal/cli"
)

func main() {
	defer klog.Flush()
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
