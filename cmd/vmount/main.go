package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vmountio/vmount/pkg/cli"
	"github.com/vmountio/vmount/pkg/filelocation"
)

func main() {
	ctx := context.Background()
	if dir := os.Getenv("VMOUNT_CONFIG_DIR"); dir != "" {
		ctx = filelocation.WithAppUserConfigDir(ctx, dir)
	}
	if dir := os.Getenv("VMOUNT_LOG_DIR"); dir != "" {
		ctx = filelocation.WithAppUserLogDir(ctx, dir)
	}

	cmd := cli.Command(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}
