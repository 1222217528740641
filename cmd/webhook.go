/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/ui"
	"github.com/josephgoksu/NoteWing/internal/webhook"
	"github.com/spf13/cobra"
)

var validate = validator.New()

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage webhook subscriptions",
}

var webhookAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a URL to receive pipeline events",
	Long: `Register a URL that receives a signed JSON POST for pipeline events of one
owner. Without --event every event is delivered. Deliveries carry an
X-NoteWing-Signature header (sha256 HMAC of the body) when a secret is set;
a secret is generated when --secret is omitted.

Events: ` + strings.Join(webhook.Events, ", ") + `

Example:
  notewing webhook add --owner u1 --event note.enriched https://example.com/hooks/notewing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := requireOwner(cmd)
		if err != nil {
			return err
		}
		url := strings.TrimSpace(args[0])
		if err := validate.Var(url, "required,http_url"); err != nil {
			return fmt.Errorf("invalid webhook url %q", url)
		}
		events, _ := cmd.Flags().GetStringSlice("event")
		for _, e := range events {
			if !webhook.KnownEvent(e) {
				return fmt.Errorf("unknown event %q", e)
			}
		}
		secret, _ := cmd.Flags().GetString("secret")
		generated := secret == ""
		if generated {
			secret = strings.ReplaceAll(uuid.New().String(), "-", "")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		hook := &memory.Webhook{Owner: owner, URL: url, Secret: secret, Events: events, Active: true}
		if err := store.CreateWebhook(cmd.Context(), hook); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Webhook %s registered for %s\n", ui.Icon("✓", ui.StyleSuccess), hook.ID, owner)
		if generated {
			fmt.Fprintf(out, "  secret: %s (shown once)\n", secret)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookAddCmd)
	webhookAddCmd.Flags().String("owner", "", "owner whose events are delivered")
	webhookAddCmd.Flags().StringSlice("event", nil, "event to subscribe to (repeatable; default all)")
	webhookAddCmd.Flags().String("secret", "", "HMAC signing secret")
}
