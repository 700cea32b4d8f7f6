// Command strata reconciles declarative composite resources against a cloud provider.
//
// Manifests are read from a directory holding ResourceKinds, CompositionRules, and instances:
//
//	strata validate ./manifests
//	strata graph ./manifests --format mermaid
//	strata run ./manifests --once
package main

import (
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"
)

var version = "dev"

func main() {
	if err := root().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
