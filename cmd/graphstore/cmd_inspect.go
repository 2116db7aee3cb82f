package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// logSummary counts what a log file holds.
type logSummary struct {
	ID              string
	Size            int64
	Transactions    int
	NodeAdds        int
	NodeRemoves     int
	RelationAdds    int
	RelationRemoves int
	FirstTimestamp  int64
	LastTimestamp   int64

	// ValidEnd is where the last intact record ends. It is below Size when
	// the file ends in a torn record.
	ValidEnd int64
	TornErr  error
}

func inspectLog(path string) (logSummary, error) {
	lr, err := wal.OpenLogReader(path)
	if err != nil {
		return logSummary{}, err
	}
	defer lr.Close()

	sum := logSummary{ID: lr.ID().String(), Size: lr.Size(), ValidEnd: lr.Position()}
	for {
		e, err := lr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, wal.ErrTornRecord) {
			sum.TornErr = err
			break
		}
		if err != nil {
			return sum, err
		}

		sum.Transactions++
		if sum.FirstTimestamp == 0 {
			sum.FirstTimestamp = e.Txn.Timestamp
		}
		sum.LastTimestamp = e.Txn.Timestamp
		sum.ValidEnd = e.End
		for _, a := range e.Txn.Actions {
			switch {
			case a.Kind == action.KindNode && a.Op == action.OpAdd:
				sum.NodeAdds++
			case a.Kind == action.KindNode:
				sum.NodeRemoves++
			case a.Op == action.OpAdd:
				sum.RelationAdds++
			default:
				sum.RelationRemoves++
			}
		}
	}
	return sum, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	sum, err := inspectLog(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(args[0]))
	fmt.Fprintln(out, row("ID", sum.ID))
	fmt.Fprintln(out, row("Size", sum.Size))
	fmt.Fprintln(out, row("Transactions", sum.Transactions))
	fmt.Fprintln(out, row("Node adds", sum.NodeAdds))
	fmt.Fprintln(out, row("Node removes", sum.NodeRemoves))
	fmt.Fprintln(out, row("Relation adds", sum.RelationAdds))
	fmt.Fprintln(out, row("Relation removes", sum.RelationRemoves))
	fmt.Fprintln(out, row("Timestamps", fmt.Sprintf("%d .. %d", sum.FirstTimestamp, sum.LastTimestamp)))
	if sum.TornErr != nil {
		fmt.Fprintln(out, row("Torn tail", badStyle.Render(fmt.Sprintf("%d bytes after %d: %v",
			sum.Size-sum.ValidEnd, sum.ValidEnd, sum.TornErr))))
	}
	return nil
}
