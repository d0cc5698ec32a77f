package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <uuid|path>",
	Short: "Map a remote UUID to its local file, or a local file to its UUID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		arg := args[0]
		if strings.ContainsAny(arg, `/\`) || fileExists(arg) {
			id, ok := s.ResolveUUID(arg)
			if !ok {
				return &exitError{code: 1, msg: fmt.Sprintf("%s is not a synced file", arg)}
			}
			fmt.Println(id)
			return nil
		}
		p, ok := s.ResolveLocalPath(arg)
		if !ok {
			return &exitError{code: 1, msg: fmt.Sprintf("%s has not been synced", arg)}
		}
		fmt.Println(p)
		return nil
	},
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
