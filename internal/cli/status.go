package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"utspclient/internal/job"
	"utspclient/internal/request"
)

var statusCmd = &cobra.Command{
	Use:   "status <request.yaml>",
	Short: "Check a request's state with a single non-blocking poll",
	Long: "status fingerprints the request, reports a cached terminal result if one\n" +
		"exists, and otherwise issues exactly one status query for the in-flight\n" +
		"job. If the request was never submitted, it is submitted without waiting.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		req, err := loadRequest(args[0])
		if err != nil {
			return err
		}
		fp, err := request.Fingerprint(req)
		if err != nil {
			return err
		}

		orch, _, resultCache, err := buildClient(cfg)
		if err != nil {
			return err
		}
		defer resultCache.Close()

		ctx := cmd.Context()
		if entry, ok, err := resultCache.Lookup(ctx, fp); err != nil {
			return err
		} else if ok && entry.Status.Terminal() {
			fmt.Printf("%s  %s\n", shortFingerprint(fp), entry.Status)
			return nil
		}

		handle, err := orch.SubmitOnly(ctx, req)
		if err != nil {
			return err
		}
		if handle.Status == job.StatusReady {
			fmt.Printf("%s  %s\n", shortFingerprint(fp), handle.Status)
			return nil
		}
		handle, _, err = orch.PollOnce(ctx, handle)
		if err != nil {
			fmt.Printf("%s  %s\n", shortFingerprint(fp), handle.Status)
			return err
		}
		fmt.Printf("%s  %s\n", shortFingerprint(fp), handle.Status)
		return nil
	},
}
