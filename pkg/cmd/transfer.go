package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fhclient "github.com/jeffvan302/fileharbor/internal/client"
)

// withClient loads the profile opts names, connects, runs fn, and always
// disconnects afterward, so each subcommand below only has to describe its
// one operation.
func withClient(opts *globalOptions, fn func(c *fhclient.Client) error) error {
	profile, err := opts.loadProfile()
	if err != nil {
		return err
	}

	c := fhclient.New(profile)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	return fn(c)
}

func newPutCommand(opts *globalOptions) *cobra.Command {
	var resume bool
	var retry bool
	cmd := &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a local file to the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				if retry {
					return c.UploadWithRetry(args[0], args[1], 3, time.Second, nil)
				}
				return c.Upload(args[0], args[1], resume, nil)
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", true, "resume a previously interrupted upload of the same file")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry the upload (with resume) on transient failure")
	return cmd
}

func newGetCommand(opts *globalOptions) *cobra.Command {
	var resume bool
	var retry bool
	cmd := &cobra.Command{
		Use:   "get <remote-path> <local-path>",
		Short: "Download a remote file to the local filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				if retry {
					return c.DownloadWithRetry(args[0], args[1], 3, time.Second, nil)
				}
				return c.Download(args[0], args[1], resume, nil)
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", true, "resume a previously interrupted download of the same file")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry the download (with resume) on transient failure")
	return cmd
}

func newLsCommand(opts *globalOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [remote-path]",
		Short: "List the contents of a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return withClient(opts, func(c *fhclient.Client) error {
				entries, err := c.List(path, recursive)
				if err != nil {
					return err
				}
				for _, e := range entries {
					kind := "f"
					if e.IsDirectory {
						kind = "d"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%10d\t%s\n", kind, e.Size, e.RelativePath)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recurse into subdirectories")
	return cmd
}

func newRmCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote-path>",
		Short: "Delete a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				return c.Delete(args[0])
			})
		},
	}
}

func newMkdirCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <remote-path>",
		Short: "Create a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				return c.Mkdir(args[0])
			})
		},
	}
}

func newRmdirCommand(opts *globalOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rmdir <remote-path>",
		Short: "Remove a remote directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				return c.Rmdir(args[0], recursive)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove the directory's contents first")
	return cmd
}

func newStatCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <remote-path>",
		Short: "Show metadata for a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *fhclient.Client) error {
				info, err := c.Stat(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "path:     %s\n", info.RelativePath)
				fmt.Fprintf(cmd.OutOrStdout(), "size:     %d\n", info.Size)
				fmt.Fprintf(cmd.OutOrStdout(), "checksum: %s\n", info.ChecksumHex)
				fmt.Fprintf(cmd.OutOrStdout(), "modified: %s\n", time.Unix(info.ModifiedTime, 0).UTC())
				return nil
			})
		},
	}
}

func newManifestCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest [remote-path]",
		Short: "Print a recursive checksum manifest of a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return withClient(opts, func(c *fhclient.Client) error {
				entries, err := c.Manifest(path)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.ChecksumHex, e.RelativePath)
				}
				return nil
			})
		},
	}
}
