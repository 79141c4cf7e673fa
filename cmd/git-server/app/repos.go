package app

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tinyflake/git-server/internal/repository"
)

func newReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Inspect the configured repositories",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List repositories from the repository list file",
		RunE:  runReposList,
	}
	list.Flags().String("format", "table", "Output format (table or json)")

	cmd.AddCommand(list)
	return cmd
}

func runReposList(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	resolver := repository.NewFileResolver(cfg.Repositories.ConfigFile)
	names, err := resolver.Names()
	if err != nil {
		return fmt.Errorf("failed to read repository list: %w", err)
	}

	details := make([]*repository.Details, 0, len(names))
	for _, name := range names {
		repo, err := resolver.Resolve(cmd.Context(), name)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				details = append(details, &repository.Details{Name: name, Error: err.Error()})
				continue
			}
			return err
		}
		details = append(details, repository.Inspect(repo))
	}

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), details)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header([]string{"Name", "Path", "Exists", "Bare", "HEAD", "Commit", "Error"})
	data := make([][]string, 0, len(details))
	for _, d := range details {
		head := d.HeadRef
		commit := d.HeadHash
		if len(commit) > 12 {
			commit = commit[:12]
		}
		data = append(data, []string{
			d.Name, d.Path, strconv.FormatBool(d.Exists), strconv.FormatBool(d.Bare), head, commit, d.Error,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
