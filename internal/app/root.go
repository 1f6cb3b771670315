package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/config"
)

var (
	cfg *config.Config

	flagNoColor bool
	flagConfig  string
	flagDev     bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "bookledger",
	Short: "Publish books to a content store and ledger, and settle purchases",
	Long: `bookledger drives book publications and purchases to completion.

A publication uploads and pins the PDF and cover, records the book on the
ledger, waits for confirmation and projects it into the index. A purchase
pays the ledger price, waits for confirmation and grants the buyer access.

Every step is persisted in the local job ledger, so interrupted work
resumes where it stopped (see 'bookledger recover').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: ~/.config/bookledger/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "Use the in-process simulated ledger, content store and index")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON where supported")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		setupColor(os.Stdout)

		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			// init and version must work before a config exists.
			if cmd.Name() == "init" || cmd.Name() == "version" {
				cfg = &config.Config{}
				return nil
			}
			return fmt.Errorf("loading config: %w", err)
		}
		if flagDev {
			cfg.Dev = true
		}
		if cfg.Log.Level != "" {
			if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
				return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
			}
		}
		return nil
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newPublishCmd(),
		newStatusCmd(),
		newResumeCmd(),
		newAbortCmd(),
		newRecoverCmd(),
		newPurchaseCmd(),
		newPurchaseStatusCmd(),
		newGetCmd(),
		newHistoryCmd(),
		newBooksCmd(),
		newServeCmd(),
		newDevnetCmd(),
		newVersionCmd(),
	)
}

// setupColor turns color off for --no-color, --json, NO_COLOR and output
// that is not a terminal.
func setupColor(out *os.File) {
	if flagNoColor || flagJSON || os.Getenv("NO_COLOR") != "" || !isTerminal(out) {
		color.NoColor = true
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// ok prints a green success line.
func ok(format string, a ...interface{}) {
	fmt.Println(color.GreenString("✓"), fmt.Sprintf(format, a...))
}

// warn prints a yellow warning line.
func warn(format string, a ...interface{}) {
	fmt.Fprintln(os.Stderr, color.YellowString("!"), fmt.Sprintf(format, a...))
}

// bad prints a red failure line without exiting.
func bad(format string, a ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString("✗"), fmt.Sprintf(format, a...))
}

// header prints a cyan section heading.
func header(format string, a ...interface{}) {
	fmt.Println(color.CyanString(fmt.Sprintf(format, a...)))
}
