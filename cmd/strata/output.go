package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	apiv1 "github.com/Azure/strata/api/v1"
)

var (
	stateReady    = color.New(color.FgGreen).SprintFunc()
	stateDegraded = color.New(color.FgRed, color.Bold).SprintFunc()
	statePending  = color.New(color.FgYellow).SprintFunc()
)

func colorState(state apiv1.InstanceState) string {
	switch state {
	case apiv1.StateReady:
		return stateReady(state)
	case apiv1.StateDegraded:
		return stateDegraded(state)
	default:
		return statePending(state)
	}
}

// printStatus writes a table of the instances and their children. Nil entries are removed instances.
func printStatus(w io.Writer, insts []*apiv1.Instance) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAMESPACE\tNAME\tSTATE\tCHILDREN\tERROR")
	for _, inst := range insts {
		if inst == nil {
			continue
		}
		ns := inst.Namespace
		if ns == "" {
			ns = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			inst.Kind, ns, inst.Name, colorState(inst.Status.State), len(inst.Status.Resources), inst.Status.Reconcile.LastError)
	}
	tw.Flush()
}
