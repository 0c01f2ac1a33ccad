package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/tplsync/internal/api"
	"github.com/foxzi/tplsync/internal/audit"
)

var (
	reconcileAgents []string
	reconcileAll    bool

	exportTemplate string
	exportAgent    string

	refreshAgent string

	auditType  string
	auditAgent string
	auditLimit int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile local templates with the provider",
	Long:  `Fetch each agent's remote templates, match them with the local versions, persist the refreshed states and print the grouped result.`,
	RunE:  runReconcile,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Register the active version of a template with the provider",
	RunE:  runExport,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the approval state of an agent's exported templates",
	RunE:  runRefresh,
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Agent credential commands",
}

var credentialsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report agents not bound to the central sub-account",
	RunE:  runCredentialsCheck,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit journal commands",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	RunE:  runAuditList,
}

func init() {
	reconcileCmd.Flags().StringSliceVar(&reconcileAgents, "agent", nil, "Agent ID (repeatable)")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "Reconcile every agent")

	exportCmd.Flags().StringVar(&exportTemplate, "template", "", "Template ID")
	exportCmd.Flags().StringVar(&exportAgent, "agent", "", "Agent ID")
	exportCmd.MarkFlagRequired("template")
	exportCmd.MarkFlagRequired("agent")

	refreshCmd.Flags().StringVar(&refreshAgent, "agent", "", "Agent ID")
	refreshCmd.MarkFlagRequired("agent")

	auditListCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type")
	auditListCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent ID")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events to show")

	credentialsCmd.AddCommand(credentialsCheckCmd)
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(reconcileCmd, exportCmd, refreshCmd, credentialsCmd, auditCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	if len(reconcileAgents) == 0 && !reconcileAll {
		return fmt.Errorf("--agent or --all is required")
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	if len(reconcileAgents) == 1 {
		res, err := application.Reconciler().Reconcile(ctx, reconcileAgents[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}

	outcomes, err := application.Reconciler().ReconcileAll(ctx, reconcileAgents)
	if err != nil {
		return err
	}

	resp := api.NewReconcileAllResponse(outcomes)
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d agents failed", resp.Failed, len(outcomes))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Exporter().Export(context.Background(), exportTemplate, exportAgent)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Exporter().RefreshStatus(context.Background(), refreshAgent)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runCredentialsCheck(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	c, err := application.Reconciler().CheckCredentialConsistency(context.Background())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), c)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	events, err := application.Journal().List(context.Background(), audit.ListFilter{
		Type:    auditType,
		AgentID: auditAgent,
		Limit:   auditLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), events)
}
