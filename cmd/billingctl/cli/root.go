package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Runtime holds the connected dependencies commands act on.
type Runtime struct {
	Jobs    *JobsCLI
	Settler Settler
	Scanner Scanner
	Close   func()
}

// Connector builds a Runtime on demand so --help never touches the network.
type Connector func(ctx context.Context) (*Runtime, error)

// ExitError carries a non-zero exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return "exit status " + strconv.Itoa(e.Code) }

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// NewRootCommand assembles the billingctl command tree.
func NewRootCommand(connect Connector, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate invoice settlement and its background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	withRuntime := func(cmd *cobra.Command, fn func(*Runtime) error) error {
		rt, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		if rt.Close != nil {
			defer rt.Close()
		}
		return fn(rt)
	}

	var jsonOutput bool
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")

	var scanLimit int
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the settlement integrity scan now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *Runtime) error {
				return exitCode(ScanCommand(cmd.Context(), rt.Scanner, ScanOptions{
					Limit:      scanLimit,
					JSONOutput: jsonOutput,
					Stdout:     stdout,
					Stderr:     stderr,
				}))
			})
		},
	}
	scanCmd.Flags().IntVar(&scanLimit, "limit", 500, "Maximum findings per check")

	var settle SettleOptions
	settleCmd := &cobra.Command{
		Use:   "settle <invoice-id>",
		Short: "Apply a payment to an invoice",
		Args:  cobra.ExactArgs(1),
		Example: `  billingctl settle 42 --amount 50000 --method CASH
  billingctl settle 42 --amount 100000 --method QPAY --qpay-txn QP-991 --issue-receipt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid invoice id %q", args[0])
			}
			settle.InvoiceID = id
			settle.JSONOutput = jsonOutput
			settle.Stdout = stdout
			settle.Stderr = stderr
			return withRuntime(cmd, func(rt *Runtime) error {
				return exitCode(SettleCommand(cmd.Context(), rt.Settler, settle))
			})
		},
	}
	settleCmd.Flags().StringVar(&settle.Amount, "amount", "", "Payment amount")
	settleCmd.Flags().StringVar(&settle.Method, "method", "", "Payment method token")
	settleCmd.Flags().StringVar(&settle.BuyerType, "buyer-type", "", "B2C or B2B")
	settleCmd.Flags().StringVar(&settle.BuyerTIN, "buyer-tin", "", "Business buyer TIN")
	settleCmd.Flags().StringVar(&settle.EmployeeCode, "employee-code", "", "Employee benefit code")
	settleCmd.Flags().StringVar(&settle.QPayTxnID, "qpay-txn", "", "QPAY transaction id")
	settleCmd.Flags().BoolVar(&settle.IssueReceipt, "issue-receipt", false, "Issue the fiscal receipt when fully paid")
	settleCmd.Flags().Int64Var(&settle.ActorID, "actor", 0, "Staff id recorded on the payment")
	_ = settleCmd.MarkFlagRequired("amount")
	_ = settleCmd.MarkFlagRequired("method")

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}

	var trigger TriggerOptions
	triggerCmd := &cobra.Command{
		Use:   "trigger <task-type>",
		Short: "Enqueue a housekeeping job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *Runtime) error {
				info, err := rt.Jobs.Trigger(cmd.Context(), args[0], trigger)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
				return nil
			})
		},
	}
	triggerCmd.Flags().IntVar(&trigger.ScanLimit, "limit", 0, "Integrity scan findings per check")
	triggerCmd.Flags().DurationVar(&trigger.KeyRetention, "retention", 7*24*time.Hour, "Idempotency key retention")

	var queue string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(rt *Runtime) error {
				stats, err := rt.Jobs.InspectQueue(cmd.Context(), queue)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(stdout).Encode(stats)
				}
				_, _ = fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
				return nil
			})
		},
	}
	statsCmd.Flags().StringVar(&queue, "queue", "default", "Queue name")

	jobsCmd.AddCommand(triggerCmd, statsCmd)
	root.AddCommand(scanCmd, settleCmd, jobsCmd)
	return root
}
