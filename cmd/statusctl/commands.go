package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/statusboard/pkg/api/client"
)

const requestTimeout = 15 * time.Second

// readPassword is swapped in tests.
var readPassword = func() (string, error) {
	fmt.Print("Password: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(data), nil
}

func newRootCmd() *cobra.Command {
	var apiBase string
	root := &cobra.Command{
		Use:           "statusctl",
		Short:         "Manage a statusboard server from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", "", "API base URL (default from ~/.statusctl.json or "+defaultAPIBaseURL+")")

	connect := func() (*apiclient.Client, cliConfig, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, cliConfig{}, err
		}
		if strings.TrimSpace(apiBase) != "" {
			cfg.APIBaseURL = apiBase
		}
		client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.AccessToken))
		return client, cfg, err
	}

	root.AddCommand(
		loginCmd(connect),
		catalogCmd(connect),
		checkCmd(connect),
		saveCmd(connect),
		exportCmd(connect),
		importCmd(connect),
		connectCmd(connect),
		disconnectCmd(connect),
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
			},
		},
	)
	return root
}

type connectFunc func() (*apiclient.Client, cliConfig, error)

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func loginCmd(connect connectFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the admin password for an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cfg, err := connect()
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(password)
			if secret == "" {
				if secret, err = readPassword(); err != nil {
					return err
				}
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			resp, err := client.Login(ctx, secret)
			if err != nil {
				return err
			}
			cfg.APIBaseURL = client.BaseURL()
			cfg.AccessToken = resp.AccessToken
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login successful, token valid for %s\n", time.Duration(resp.ExpiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")
	return cmd
}

func catalogCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List projects, environments and their last status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			cat, err := client.Catalog(ctx)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), cat)
			return nil
		},
	}
}

func printCatalog(out io.Writer, cat apiclient.Catalog) {
	if len(cat.Projects) == 0 {
		fmt.Fprintln(out, "no projects")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tENVIRONMENT\tID\tSTATE\tDETAIL\tURL")
	for _, p := range cat.Projects {
		if len(p.Environments) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", p.Name)
			continue
		}
		for _, env := range p.Environments {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Name, env.Name, env.ID, env.LastStatus.State, statusDetail(env.LastStatus), env.URL)
		}
	}
	_ = tw.Flush()
}

func statusDetail(s apiclient.Status) string {
	switch {
	case s.Detail != nil:
		return *s.Detail
	case s.HTTPStatus != nil:
		return fmt.Sprintf("HTTP %d", *s.HTTPStatus)
	default:
		return "-"
	}
}

func checkCmd(connect connectFunc) *cobra.Command {
	var projectID, envID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every environment, one project or one environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if projectID != "" && envID != "" {
				return errors.New("--project and --env are mutually exclusive")
			}
			client, _, err := connect()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case envID != "":
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				status, err := client.CheckEnvironment(ctx, envID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s (%s)\n", envID, status.State, statusDetail(status))
			case projectID != "":
				project, err := client.CheckProject(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				printCatalog(out, apiclient.Catalog{Projects: []apiclient.Project{project}})
			default:
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				if err := client.CheckAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "check started")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier")
	cmd.Flags().StringVar(&envID, "env", "", "Environment identifier")
	return cmd
}

func saveCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write the catalog to the connected file now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := client.Save(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
			return nil
		},
	}
}

func exportCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Download the catalog document (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			data, err := client.Export(ctx)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", args[0])
			return nil
		},
	}
}

func importCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the catalog with a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			cat, err := client.Import(ctx, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d projects\n", len(cat.Projects))
			return nil
		},
	}
}

func connectCmd(connect connectFunc) *cobra.Command {
	var input apiclient.ConnectInput
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a file or database document, or show the current one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out := cmd.OutOrStdout()
			if input.File == "" && input.Document == "" {
				name, ok, err := client.Connection(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "not connected")
					return nil
				}
				fmt.Fprintf(out, "connected to %s\n", name)
				return nil
			}
			name, err := client.Connect(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "connected to %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.File, "file", "", "Catalog file path, relative to the server's CONNECT_ROOT")
	cmd.Flags().StringVar(&input.Document, "document", "", "Name of a catalog document in the database")
	cmd.MarkFlagsMutuallyExclusive("file", "document")
	return cmd
}

func disconnectCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Stop writing through to the connected file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := connect()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
}
