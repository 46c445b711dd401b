package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utspclient/internal/request"
)

var (
	outDir   string
	forceNew bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <request.yaml> [more request files...]",
	Short: "Resolve one or more requests and write their result files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reqs := make([]request.Request, 0, len(args))
		for _, path := range args {
			req, err := loadRequest(path)
			if err != nil {
				return err
			}
			if forceNew {
				// A fresh GUID makes the request a distinct job even when
				// the configuration is unchanged.
				req.GUID = uuid.NewString()
			}
			reqs = append(reqs, req)
		}

		orch, _, resultCache, err := buildClient(cfg)
		if err != nil {
			return err
		}
		defer resultCache.Close()

		outcomes := orch.Resolve(cmd.Context(), reqs)
		failures := 0
		for i, out := range outcomes {
			if !out.Ready() {
				failures++
				logrus.Errorf("%s: %s: %v", args[i], out.Status, out.Err)
				continue
			}
			dir := filepath.Join(outDir, shortFingerprint(out.Fingerprint))
			for _, f := range out.Envelope.Files {
				target, err := safeJoin(dir, f.Name)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(target, f.Data, 0o644); err != nil {
					return err
				}
			}
			logrus.Infof("%s: %d result files in %s", args[i], len(out.Envelope.Files), dir)
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d requests did not complete", failures, len(outcomes))
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&outDir, "out", "o", "results", "directory for result files")
	fetchCmd.Flags().BoolVar(&forceNew, "force-new", false, "force recalculation with a fresh request GUID")
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// safeJoin places a server-reported result file name under dir. Names that
// are absolute or would escape dir are rejected rather than written.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || cleaned == ".." ||
		filepath.IsAbs(cleaned) ||
		strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe result file name %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}
