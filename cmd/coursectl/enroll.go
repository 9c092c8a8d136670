package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/enrollment"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/spf13/cobra"
)

const (
	flagYes   = "yes"
	flagWatch = "watch"
)

func newEnrollCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enroll <course-id>",
		Short: "Enroll in a course, paying through the wallet when it is priced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, err := marketplace.NewCourseID(args[0])
			if err != nil {
				return err
			}
			assumeYes, err := cmd.Flags().GetBool(flagYes)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.Refresh(cmd.Context()); err != nil {
					return err
				}
				if err := runtime.store.RefreshEnrollments(cmd.Context()); err != nil {
					return err
				}
				confirmer := newPromptConfirmer(cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes)
				coordinator, err := runtime.coordinator(confirmer, progressObserver(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				reportPending(cmd.Context(), cmd.ErrOrStderr(), coordinator, courseID)
				outcome, err := coordinator.Enroll(cmd.Context(), courseID)
				return reportOutcome(cmd.OutOrStdout(), outcome, err)
			})
		},
	}
	cmd.Flags().Bool(flagYes, false, "approve the payment without prompting")
	return cmd
}

func newPendingCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and resume confirmed payments awaiting enrollment",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List confirmed payments that are not yet enrolled",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
					coordinator, err := runtime.coordinator(nil, nil)
					if err != nil {
						return err
					}
					pending, err := coordinator.Pending(cmd.Context())
					if err != nil {
						return err
					}
					return printPending(cmd.OutOrStdout(), pending)
				})
			},
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Retry enrollment for every confirmed payment with its original reference",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
					coordinator, err := runtime.coordinator(nil, progressObserver(cmd.ErrOrStderr()))
					if err != nil {
						return err
					}
					outcomes, err := coordinator.ResumePending(cmd.Context())
					for _, outcome := range outcomes {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (payment %s, %d attempts)\n", outcome.CourseID, outcome.State, outcome.TransactionReference, outcome.Attempts)
					}
					return err
				})
			},
		},
	)
	return cmd
}

func newReconcileCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replace optimistic local changes with server state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, err := cmd.Flags().GetBool(flagWatch)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				reconciler := runtime.store.Reconciler()
				if watch {
					reconciler.Trigger()
					reconciler.Run(cmd.Context(), runtime.cfg.ReconcileInterval)
					return nil
				}
				report, err := reconciler.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				if !report.Refreshed {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "backend unreachable, local changes kept")
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d conflicts resolved in favour of the server, %d changes confirmed\n", len(report.Conflicts), len(report.Cleared))
				return err
			})
		},
	}
	cmd.Flags().Bool(flagWatch, false, "keep reconciling every --reconcile-interval until interrupted")
	return cmd
}

// promptConfirmer asks on the terminal before any funds move.
type promptConfirmer struct {
	in        *bufio.Reader
	out       io.Writer
	assumeYes bool
}

func newPromptConfirmer(in io.Reader, out io.Writer, assumeYes bool) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out, assumeYes: assumeYes}
}

func (confirmer *promptConfirmer) Confirm(ctx context.Context, quote enrollment.Quote) (bool, error) {
	fmt.Fprintf(confirmer.out, "Pay %s to %s for %q from %s (balance %s, network %s)? [y/N] ",
		quote.Amount, quote.Recipient, quote.CourseTitle, quote.WalletAddress, quote.Balance, quote.NetworkID)
	if confirmer.assumeYes {
		fmt.Fprintln(confirmer.out, "y")
		return true, nil
	}
	answers := make(chan string, 1)
	failures := make(chan error, 1)
	go func() {
		line, err := confirmer.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			failures <- err
			return
		}
		answers <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-failures:
		return false, err
	case line := <-answers:
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

// reportPending points at confirmed payments left by earlier runs, except the
// one for skip, which Enroll picks up itself.
func reportPending(ctx context.Context, out io.Writer, coordinator *enrollment.Coordinator, skip marketplace.CourseID) {
	pending, err := coordinator.Pending(ctx)
	if err != nil {
		fmt.Fprintf(out, "pending payments unavailable: %v\n", err)
		return
	}
	for _, payment := range pending {
		if payment.CourseID == skip {
			continue
		}
		fmt.Fprintf(out, "payment %s for %s is still pending; run `coursectl pending resume`\n", payment.TransactionReference, payment.CourseID)
	}
}

func progressObserver(out io.Writer) enrollment.Observer {
	return enrollment.ObserverFunc(func(transition enrollment.Transition) {
		fmt.Fprintf(out, "  %s -> %s\n", transition.From, transition.To)
	})
}

func reportOutcome(out io.Writer, outcome enrollment.Outcome, err error) error {
	if err != nil {
		var failure *enrollment.FailureError
		if errors.As(err, &failure) && failure.FundsSpent {
			fmt.Fprintf(out, "payment %s is confirmed; run `coursectl pending resume` to finish the enrollment\n", failure.TransactionReference)
		}
		return err
	}
	switch outcome.State {
	case enrollment.StateCancelled:
		_, err = fmt.Fprintln(out, "cancelled, no funds were spent")
	default:
		if outcome.TransactionReference.IsZero() {
			_, err = fmt.Fprintf(out, "enrolled in %s\n", outcome.CourseID)
		} else {
			_, err = fmt.Fprintf(out, "enrolled in %s (payment %s)\n", outcome.CourseID, outcome.TransactionReference)
		}
	}
	return err
}

func printPending(out io.Writer, pending []marketplace.PendingPayment) error {
	if len(pending) == 0 {
		_, err := fmt.Fprintln(out, "no pending payments")
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "COURSE\tTRANSACTION\tAMOUNT\tATTEMPTS\tSTATE\tLAST ERROR")
	for _, payment := range pending {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n", payment.CourseID, payment.TransactionReference, payment.Amount, payment.Attempts, payment.State, payment.LastError)
	}
	return writer.Flush()
}
