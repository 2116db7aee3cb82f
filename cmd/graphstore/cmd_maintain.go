package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/storage"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// signalContext is cancelled on SIGINT or SIGTERM so long rewrites stop
// cleanly.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	flags, err := storage.ParseMaintenanceFlags(args)
	if err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()
	if err := s.Maintenance(ctx, flags); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("done: "+flags.String()))
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	hotSwap := compactExport == ""
	var dest wal.Destination
	if !hotSwap {
		dest = wal.DirDestination{Dir: compactExport}
	}
	res, err := s.RewriteStore(ctx, hotSwap, compactOutput, dest)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	path := res.Path
	if res.Copy != nil {
		path = filepath.Join(compactExport, res.Copy.Key)
	}
	fmt.Fprintln(out, titleStyle.Render("rewrite finished"))
	fmt.Fprintln(out, row("File", path))
	fmt.Fprintln(out, row("Hot swapped", res.HotSwapped))
	fmt.Fprintln(out, row("Nodes", res.Nodes))
	fmt.Fprintln(out, row("Relations", res.Relations))
	fmt.Fprintln(out, row("Captured commits", res.Captured))
	fmt.Fprintln(out, row("Bytes", res.Bytes))
	fmt.Fprintln(out, row("Took", res.Total))
	return nil
}

// backupDestination picks --dir, falling back to the configured bucket.
func backupDestination(ctx context.Context, cfg config.Config) (wal.Destination, error) {
	if backupDir != "" {
		return wal.DirDestination{Dir: backupDir}, nil
	}
	if cfg.Backup == nil {
		return nil, errors.New("no --dir given and no backup bucket configured")
	}
	return wal.NewS3Destination(ctx, *cfg.Backup)
}

func runBackup(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	dest, err := backupDestination(ctx, s.Config())
	if err != nil {
		return err
	}
	res, err := s.Backup(ctx, args[0], dest)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), row("Copied", fmt.Sprintf("%s (%d bytes, id %s)", res.Key, res.Bytes, res.ID)))
	return nil
}
