// Command mstctl is a small operator CLI over a single Merkle Search Tree
// file: put, get, delete, and inspect entries, and commit or compact the
// backing store. It uses cobra for the command tree and zerolog for
// structured output.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dapperlabs/mstree/node"
	"github.com/dapperlabs/mstree/tree"
)

var (
	filePath string
	logLevel string
	log      zerolog.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "mstctl",
		Short: "Inspect and mutate a Merkle Search Tree store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&filePath, "file", "tree.mst", "path to the tree's node file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug, info, warn, error)")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), containsCmd(), rootHashCmd(), commitCmd(), compactCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openTree() (*tree.Tree[string, []byte], error) {
	return tree.Open(filePath, node.StringBytes, tree.WithLogger[string, []byte](log))
}

func putCmd() *cobra.Command {
	var commit bool
	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.Insert(args[0], []byte(args[1])); err != nil {
				return err
			}
			if commit {
				if err := t.Commit(); err != nil {
					return err
				}
			}
			log.Info().Str("key", args[0]).Str("root", t.RootHash().String()).Msg("inserted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", true, "commit the change immediately")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value bound to a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			value, ok, err := t.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				log.Warn().Str("key", args[0]).Msg("not found")
				return nil
			}
			cmd.Println(string(value))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	var commit bool
	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			deleted, err := t.Remove(args[0])
			if err != nil {
				return err
			}
			if commit {
				if err := t.Commit(); err != nil {
					return err
				}
			}
			log.Info().Str("key", args[0]).Bool("deleted", deleted).Msg("remove")
			return nil
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", true, "commit the change immediately")
	return cmd
}

func containsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contains KEY",
		Short: "Report whether a key is present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			ok, err := t.Contains(args[0])
			if err != nil {
				return err
			}
			cmd.Println(ok)
			return nil
		},
	}
}

func rootHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root-hash",
		Short: "Print the working root's digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			cmd.Println(t.RootHash().String())
			return nil
		},
	}
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Durably persist the working root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.Commit(); err != nil {
				return err
			}
			log.Info().Str("root", t.RootHash().String()).Msg("committed")
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact DEST",
		Short: "Rewrite the tree into a fresh file, reclaiming dead space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTree()
			if err != nil {
				return err
			}
			defer t.Close()

			if err := t.Compact(args[0]); err != nil {
				return err
			}
			log.Info().Str("dest", args[0]).Str("root", t.RootHash().String()).Msg("compacted")
			return nil
		},
	}
}
