package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func spacesCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "Manage workspaces",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List spaces, most recently used first",
		Run: func(cmd *cobra.Command, args []string) {
			app, err := openApp(*dataDir, "", false)
			if err != nil {
				fatal(err)
			}
			defer app.close()

			list, err := app.spaces.List()
			if err != nil {
				fatal(err)
			}
			if len(list) == 0 {
				fmt.Println("No spaces yet. Create one with 'deskagent spaces add <name>'.")
				return
			}
			for _, s := range list {
				last := time.UnixMilli(s.LastAccessedAt).Format("2006-01-02 15:04")
				fmt.Printf("  %s  %-24s %s\n", s.ID, s.Name, last)
			}
		},
	}

	var template string
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a space",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app, err := openApp(*dataDir, "", false)
			if err != nil {
				fatal(err)
			}
			defer app.close()

			space, err := app.spaces.Create(args[0], template)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Created space %s (%s)\n", space.Name, space.ID)
			fmt.Printf("  Instructions: %s\n", space.InstructionsMD)
		},
	}
	addCmd.Flags().StringVar(&template, "template", "quick-start", "Instruction template (quick-start|custom)")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a space and its conversation history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			app, err := openApp(*dataDir, "", false)
			if err != nil {
				fatal(err)
			}
			defer app.close()

			if err := app.spaces.Delete(args[0]); err != nil {
				fatal(err)
			}
			if err := app.store.DeleteConversation(context.Background(), args[0]); err != nil {
				app.log.Warn("deleting conversation failed", "error", err)
			}
			fmt.Printf("Removed space %s\n", args[0])
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}
