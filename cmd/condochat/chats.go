package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/condominio/condochat"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var chatsListJSON bool

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsStartCmd)

	chatsListCmd.Flags().BoolVar(&chatsListJSON, "json", false, "Output raw JSON")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List and start conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Chats.List(ctx)
		if err != nil {
			return err
		}

		if chatsListJSON {
			out, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(list.Chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list.Chats {
			mark := " "
			if c.Unread(list.SelfID) {
				mark = "*"
			}
			when := ""
			if t, err := c.LastActivity(); err == nil {
				when = humanize.Time(t)
			}
			fmt.Printf("%s %-6d %-24s %-16s %-14s %s\n", mark, c.ChatID, truncate(c.ListingTitle, 24), c.Counterpart, when, truncate(c.LastMessage, 40))
		}
		return nil
	},
}

var chatsStartCmd = &cobra.Command{
	Use:   "start <listing-id> <seller-id>",
	Short: "Create or find the conversation about a listing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		listingID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid listing id %q", args[0])
		}
		sellerID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seller id %q", args[1])
		}

		cfg := mustConfig()
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		id, err := client.Chats.CreateOrGet(ctx, condochat.ListingID(listingID), condochat.UserID(sellerID))
		if err != nil {
			return err
		}
		fmt.Printf("Chat ID: %d\n", id)
		fmt.Printf("Open it with: condochat chat open %d\n", id)
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
