package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"

	"ok-monitor/datalake"
	"ok-monitor/utils"
)

func main() {
	if err := utils.CreateFolder("storage"); err != nil {
		logger := utils.GetLogger()
		err := xerrors.New(err)
		ctx := context.Background()
		logger.ErrorContext(ctx, "Failed to create storage dir.", slog.Any("error", err))
	}

	if len(os.Args) < 2 {
		fmt.Println("Expected 'serve' or 'prune' subcommand")
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		port := serveCmd.String("p", "8000", "Port to use")
		serveCmd.Parse(os.Args[2:])
		serve(*port)
	case "prune":
		pruneCmd := flag.NewFlagSet("prune", flag.ExitOnError)
		root := pruneCmd.String("root", utils.GetEnv("DATALAKE_ROOT", "storage/datalake"), "Datalake root directory")
		days := pruneCmd.Int("days", 30, "Retention window in days")
		dryRun := pruneCmd.Bool("dry-run", false, "Report what would be deleted without deleting")
		pruneCmd.Parse(os.Args[2:])

		stats, err := datalake.Prune(*root, *days, *dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("scanned=%d deleted=%d preserved=%d abnormalPreserved=%d bytesFreed=%d errors=%d\n",
			stats.Scanned, stats.Deleted, stats.PreservedNormalOrUncertain,
			stats.PreservedAbnormal, stats.BytesFreed, stats.Errors)
	default:
		fmt.Println("Expected 'serve' or 'prune' subcommand")
		os.Exit(1)
	}
}
