// Package cmd implements fileharbor's CLI, a cobra command tree grounded
// on the teacher's pkg/cmd/volsync.go: a root command carrying shared
// persistent flags, one subcommand per server or client operation, and a
// viper instance, used by serve, so its flags and environment variables
// can supply the same setting. Client subcommands read their settings from
// the profile file named by --profile.
package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	fhclient "github.com/jeffvan302/fileharbor/internal/client"
)

// globalOptions carries the flags every subcommand shares.
type globalOptions struct {
	profilePath     string
	profilePassword string
	logLevel        string
}

func (o *globalOptions) bindFlags(flags *cobra.Command) {
	flags.PersistentFlags().StringVar(&o.profilePath, "profile", "", "path to the client profile (JSON, optionally envelope-encrypted)")
	flags.PersistentFlags().StringVar(&o.profilePassword, "profile-password", "", "password for an envelope-encrypted profile")
	flags.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
}

func (o *globalOptions) loadProfile() (*fhclient.Profile, error) {
	return fhclient.LoadProfile(o.profilePath, o.profilePassword)
}

// NewRootCommand builds the fharbor command tree. in/out/errout follow the
// teacher's genericclioptions.IOStreams convention of threading the
// process streams through explicitly rather than reaching for os.Stdin
// et al. from inside subcommands, which keeps the tree testable.
func NewRootCommand(in io.Reader, out, errout io.Writer) *cobra.Command {
	opts := &globalOptions{}
	v := viper.New()
	v.SetEnvPrefix("FHARBOR")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "fharbor",
		Short:         "fharbor transfers files over a mutually authenticated TLS connection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errout)

	opts.bindFlags(root)

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newPutCommand(opts))
	root.AddCommand(newGetCommand(opts))
	root.AddCommand(newLsCommand(opts))
	root.AddCommand(newRmCommand(opts))
	root.AddCommand(newMkdirCommand(opts))
	root.AddCommand(newRmdirCommand(opts))
	root.AddCommand(newStatCommand(opts))
	root.AddCommand(newManifestCommand(opts))
	root.AddCommand(newConfigCommand())

	return root
}
