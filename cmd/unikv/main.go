// unikv is a small inspection tool for an engine data directory: list the
// trees of a volume, fetch one key, or dump a tree in key order. It opens
// the directory read-mostly (recovery still runs) and must not race a live
// engine process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unikv/unikv/kv/config"
	"github.com/unikv/unikv/kv/engine"
)

var (
	confPath string
	dbPath   string
)

func openDB() (*engine.DB, error) {
	var conf *config.Config
	if confPath != "" {
		var err error
		conf, err = config.FromFile(confPath)
		if err != nil {
			return nil, err
		}
	} else {
		conf = config.NewDefaultConfig()
	}
	if dbPath != "" {
		conf.DBPath = dbPath
	}
	return engine.Open(conf)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "unikv",
		Short:        "inspect a storage engine data directory",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&confPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "path", "", "data directory (overrides config)")

	treesCmd := &cobra.Command{
		Use:   "trees <volume>",
		Short: "list the trees of a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			vol, err := db.Volume(args[0])
			if err != nil {
				return err
			}
			for _, name := range vol.Trees() {
				fmt.Println(name)
			}
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <volume> <tree> <key>",
		Short: "fetch the value stored at a string key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ex, err := db.GetExchange(args[0], args[1], false)
			if err != nil {
				return err
			}
			ex.Key().Clear().AppendString(args[2])
			if err := ex.Fetch(); err != nil {
				return err
			}
			if !ex.Value().IsDefined() {
				return fmt.Errorf("key %q not found", args[2])
			}
			fmt.Printf("%s\n", ex.Value().GetBytes())
			return nil
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan <volume> <tree>",
		Short: "dump every key and value size in key order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ex, err := db.GetExchange(args[0], args[1], false)
			if err != nil {
				return err
			}
			ex.Key().Clear()
			count := 0
			for {
				ok, err := ex.Next()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				fmt.Printf("%s\t%d bytes\n", ex.Key(), len(ex.Value().GetBytes()))
				count++
			}
			fmt.Printf("%d entries\n", count)
			return nil
		},
	}

	rootCmd.AddCommand(treesCmd, getCmd, scanCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
