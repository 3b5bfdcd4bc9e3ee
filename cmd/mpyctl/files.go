package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drunlade/go-rawrepl/rawrepl"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute Python source in raw mode and print its output",
		Long:  "Execute Python source in raw mode. The source comes from the argument, from --file, or from stdin when neither is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readSource(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				out, err := s.Execute(cmd.Context(), source, 0, 0)
				io.WriteString(cmd.OutOrStdout(), out)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read source from a local file")
	return cmd
}

func readSource(stdin io.Reader, file string, args []string) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("give either code or --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		return string(data), nil
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <remote-file>",
		Short: "Run a file stored on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				out, err := s.RunFile(cmd.Context(), args[0])
				io.WriteString(cmd.OutOrStdout(), out)
				return err
			})
		},
	}
}

func newLsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory on the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				entries, err := s.ListDir(cmd.Context(), dir)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintln(cmd.OutOrStdout(), e)
				}
				return nil
			})
		},
	}
}

func newMkdirCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <dir>...",
		Short: "Create directories on the device, including missing parents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				for _, dir := range args {
					if err := s.EnsureDirectory(cmd.Context(), dir); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newRmCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote-file>...",
		Short: "Remove files from the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				for _, p := range args {
					if err := s.RemoveFile(cmd.Context(), p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newPutCmd(root *rootOptions) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "put <local-file>...",
		Short: "Upload files to the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, err := buildUploads(dest, args)
			if err != nil {
				return err
			}
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				if err := s.PutFiles(cmd.Context(), uploads); err != nil {
					return err
				}
				for _, u := range uploads {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", u.Path, len(u.Content))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "/", "destination directory on the device")
	return cmd
}

func buildUploads(dest string, files []string) ([]rawrepl.Upload, error) {
	uploads := make([]rawrepl.Upload, 0, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		uploads = append(uploads, rawrepl.Upload{
			Path:    path.Join(dest, filepath.Base(f)),
			Content: content,
		})
	}
	return uploads, nil
}

func newGetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-file> [local-file]",
		Short: "Download a file from the device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}
			return root.withRaw(cmd.Context(), func(s *rawrepl.Session) error {
				content, err := s.ReadFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if local == "-" {
					_, err := cmd.OutOrStdout().Write(content)
					return err
				}
				return os.WriteFile(local, content, 0o644)
			})
		},
	}
}

func printPorts(w io.Writer, ports []rawrepl.PortInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
	for _, p := range ports {
		usb := "-"
		ids := "-"
		if p.IsUSB {
			usb = "yes"
			ids = strings.ToLower(p.VID + ":" + p.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, usb, ids, orDash(p.SerialNumber), orDash(p.Product))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
