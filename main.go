// Command twine is a gem manager: it resolves a Gemfile against the
// compact index, writes Gemfile.lock, downloads and unpacks the resolved
// gems, and launches gem binaries under a composed load path.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igravious/twine/fetch"
)

// toolVersion is stamped into BUNDLED WITH; CI overrides it on release.
var toolVersion = "0.3.0"

var (
	gemfilePath string
	rubyPath    string
	jobs        int
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "twine",
		Short:         "twine resolves, installs, and runs gems without a working RubyGems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&gemfilePath, "gemfile", "f", "Gemfile", "Gemfile path")
	rootCmd.PersistentFlags().StringVar(&rubyPath, "ruby", "", "ruby executable (default: first on PATH)")
	rootCmd.PersistentFlags().IntVarP(&jobs, "jobs", "j", 5, "parallel download workers")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "lock",
			Short: "Resolve the Gemfile and write Gemfile.lock",
			RunE:  runLock,
		},
		&cobra.Command{
			Use:   "install",
			Short: "Download and unpack the locked gems",
			RunE:  runInstall,
		},
		&cobra.Command{
			Use:   "exec BINARY [ARGS...]",
			Short: "Run a gem binary with the composed load path",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runExec,
		},
		&cobra.Command{
			Use:   "env",
			Short: "Print the composed RUBYLIB",
			RunE:  runEnv,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func lockPath() string {
	return gemfilePath + ".lock"
}

func runLock(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	res, err := resolveGemfile(ctx, gemfilePath, fetch.NewClient(), rubyPath)
	if err != nil {
		return err
	}

	lock, err := lockfileFrom(ctx, res)
	if err != nil {
		return err
	}

	out, err := os.Create(lockPath())
	if err != nil {
		return err
	}
	defer out.Close()
	if err := lock.Write(out); err != nil {
		return err
	}

	fmt.Printf("Resolved %d gems to %s\n", len(lock.Specs), lockPath())
	return nil
}

// loadOrResolve reuses an existing lockfile; without one it resolves and
// writes it first, keeping the provider around for checksum verification.
func loadOrResolve(ctx context.Context, client *fetch.Client) (*Lockfile, *installer, string, error) {
	in := &installer{client: client, jobs: jobs, verbose: verbose}
	rubyVersion := detectRubyVersion(rubyPath)

	if f, err := os.Open(lockPath()); err == nil {
		defer f.Close()
		lock, err := ParseLockfile(f)
		if err != nil {
			return nil, nil, "", err
		}
		return lock, in, rubyVersion, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, "", err
	}

	res, err := resolveGemfile(ctx, gemfilePath, client, rubyPath)
	if err != nil {
		return nil, nil, "", err
	}
	lock, err := lockfileFrom(ctx, res)
	if err != nil {
		return nil, nil, "", err
	}

	out, err := os.Create(lockPath())
	if err != nil {
		return nil, nil, "", err
	}
	defer out.Close()
	if err := lock.Write(out); err != nil {
		return nil, nil, "", err
	}

	in.provider = res.provider
	return lock, in, res.ruby, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	lock, in, rubyVersion, err := loadOrResolve(ctx, fetch.NewClient())
	if err != nil {
		return err
	}

	dir, err := in.install(ctx, lock, rubyVersion)
	if err != nil {
		return err
	}
	fmt.Printf("Installed %d gems to %s\n", len(lock.Specs), dir)
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ruby, err := findRuby(rubyPath)
	if err != nil {
		return err
	}

	lock, in, rubyVersion, err := loadOrResolve(ctx, fetch.NewClient())
	if err != nil {
		return err
	}
	envRoot, err := in.install(ctx, lock, rubyVersion)
	if err != nil {
		return err
	}

	script, err := findExecutable(envRoot, args[0])
	if err != nil {
		return err
	}

	// Only returns on failure.
	return execRuby(ruby, envRoot, rubyAPI(rubyVersion), script, args[1:])
}

func runEnv(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	ruby, err := findRuby(rubyPath)
	if err != nil {
		return err
	}
	prefix, err := runtimePrefix(ruby)
	if err != nil {
		return err
	}

	lock, in, rubyVersion, err := loadOrResolve(ctx, fetch.NewClient())
	if err != nil {
		return err
	}
	envRoot, err := in.install(ctx, lock, rubyVersion)
	if err != nil {
		return err
	}

	loadPath, err := composeLoadPath(prefix, envRoot, rubyAPI(rubyVersion))
	if err != nil {
		return err
	}
	fmt.Println(loadPath)
	return nil
}
