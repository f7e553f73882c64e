// Package gerrit is a client for the subset of the Gerrit ssh interface that
// depsync needs: querying changes and applying review and stage actions.
// Pushing changes is done via git and is not part of this package.
package gerrit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/repotools/depsync/internal/gitcmd"
	"github.com/repotools/depsync/internal/logfields"
)

// stagePlugin is the Gerrit plugin providing the stage ssh command.
const stagePlugin = "gerrit-plugin-staging"

// patchSet corresponds to the patch set object of Gerrit's query JSON output.
type patchSet struct {
	Number         int      `json:"number"`
	Revision       string   `json:"revision"`
	Parents        []string `json:"parents"`
	SizeInsertions int      `json:"sizeInsertions"`
	SizeDeletions  int      `json:"sizeDeletions"`
}

// changeOrStats corresponds to one line of Gerrit's query JSON output, which
// is either a change record or the trailing stats record.
type changeOrStats struct {
	Type     string `json:"type"`
	RowCount int    `json:"rowCount"`

	Project   string     `json:"project"`
	Branch    string     `json:"branch"`
	ID        string     `json:"id"`
	Number    int        `json:"number"`
	Subject   string     `json:"subject"`
	Open      bool       `json:"open"`
	Status    Status     `json:"status"`
	PatchSets []patchSet `json:"patchSets"`
}

// Change describes an existing change in the review system.
type Change struct {
	ID       string
	Number   int
	PatchSet int
	Status   Status
}

// Client runs Gerrit ssh commands against a single Gerrit instance.
type Client struct {
	host           string
	port           string
	user           string
	disableStaging bool
	logger         *zap.Logger
}

type Option func(*Client)

// WithUser makes query commands run as user instead of the default ssh user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithStagingDisabled turns ApproveAndStage into a no-op, changes must then
// be approved and staged manually.
func WithStagingDisabled(disabled bool) Option {
	return func(c *Client) {
		c.disableStaging = disabled
	}
}

func NewClient(host, port string, opts ...Option) *Client {
	c := &Client{
		host:   host,
		port:   port,
		logger: zap.L().Named("gerrit"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// sshCommand builds an ssh command line for the Gerrit host, honoring a
// GIT_SSH_COMMAND override so that the same identity is used as for git
// pushes.
func (c *Client) sshCommand(ctx context.Context, asUser string, arguments ...string) *exec.Cmd {
	userAtHost := c.host
	if asUser != "" {
		userAtHost = asUser + "@" + c.host
	}

	args := []string{"-oBatchMode=yes", userAtHost, "-p", c.port}
	args = append(args, arguments...)

	ssh := "ssh"
	if override := os.Getenv("GIT_SSH_COMMAND"); override != "" {
		commandLine := strings.Split(override, " ")
		ssh = commandLine[0]
		args = append(commandLine[1:], args...)
	}

	return exec.CommandContext(ctx, ssh, args...)
}

func (c *Client) query(ctx context.Context, queryString string) ([]byte, error) {
	cmd := c.sshCommand(ctx, c.user, "gerrit", "query", "--patch-sets", "--format JSON", queryString)

	c.logger.Debug("running gerrit query",
		logfields.Event("gerrit_query"),
		zap.String("query", queryString),
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running gerrit query command failed: %w", err)
	}

	return output, nil
}

// ChangeStatus returns the status of the change identified by changeID on
// branch of project.
func (c *Client) ChangeStatus(ctx context.Context, project, branch, changeID string) (Status, error) {
	queryString := fmt.Sprintf("project:%s branch:%s %s", project, branch, changeID)

	output, err := c.query(ctx, queryString)
	if err != nil {
		return "", err
	}

	return parseChangeStatusOutput(output, project, changeID)
}

func parseChangeStatusOutput(output []byte, project, changeID string) (Status, error) {
	var status Status
	var id string

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var record changeOrStats
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return "", fmt.Errorf("decoding gerrit json response failed: %w: %s", err, output)
		}

		if record.Type == "stats" {
			if record.RowCount != 1 {
				return "", fmt.Errorf("unexpected row count %d when querying status of change %s", record.RowCount, changeID)
			}
			continue
		}

		if record.Project != project {
			return "", fmt.Errorf("query for change %s returned a change of project %s, expected %s", changeID, record.Project, project)
		}

		if id != "" {
			return "", fmt.Errorf("query for change %s unexpectedly returned multiple changes", changeID)
		}

		id = record.ID
		status = record.Status
	}

	return status, nil
}

// ExistingChange looks for an open change of the calling user on branch of
// project whose commit message contains messagePattern.
// It returns nil if no such change exists.
func (c *Client) ExistingChange(ctx context.Context, project, branch, messagePattern string) (*Change, error) {
	queryString := fmt.Sprintf(
		`project:%s branch:%s NOT(status:merged OR status:abandoned OR status:deferred) owner:self message:{%s}`,
		project, branch, escapeMessage(messagePattern))

	output, err := c.query(ctx, queryString)
	if err != nil {
		return nil, err
	}

	return parseExistingChangeOutput(output, project)
}

func parseExistingChangeOutput(output []byte, project string) (*Change, error) {
	var change *Change

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var record changeOrStats
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("decoding gerrit json response failed: %w: %s", err, output)
		}

		if record.Type == "stats" {
			if record.RowCount == 0 {
				return nil, nil
			}
			if record.RowCount != 1 {
				return nil, fmt.Errorf("unexpected row count %d when querying for an existing change", record.RowCount)
			}
			continue
		}

		if record.Project != project {
			continue
		}

		if change != nil {
			return nil, fmt.Errorf("unexpectedly found multiple existing changes: %s and %s", change.ID, record.ID)
		}

		change = &Change{
			ID:     record.ID,
			Number: record.Number,
			Status: record.Status,
		}

		for _, ps := range record.PatchSets {
			if ps.Number > change.PatchSet {
				change.PatchSet = ps.Number
			}
		}
	}

	return change, nil
}

func escapeMessage(message string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `\'`)
	return replacer.Replace(message)
}

// ApproveAndStage applies the auto-approval review label to commit and hands
// it to the staging pipeline.
// The review runs as the default ssh user, the bot identity has no approval
// rights.
func (c *Client) ApproveAndStage(ctx context.Context, commit gitcmd.OID, message string) error {
	if c.disableStaging {
		c.logger.Info("staging disabled, skipping review and stage",
			logfields.Event("gerrit_staging_skipped"),
			logfields.Commit(string(commit)),
		)

		return nil
	}

	reviewArgs := []string{"gerrit", "review", string(commit)}
	if message != "" {
		reviewArgs = append(reviewArgs, "-m", `"`+escapeMessage(message)+`"`)
	}
	reviewArgs = append(reviewArgs, "--code-review", "2")

	if err := c.runLogged(ctx, reviewArgs); err != nil {
		return fmt.Errorf("applying review label to %s failed: %w", commit, err)
	}

	if err := c.runLogged(ctx, []string{stagePlugin, "stage", string(commit)}); err != nil {
		return fmt.Errorf("staging %s failed: %w", commit, err)
	}

	return nil
}

func (c *Client) runLogged(ctx context.Context, args []string) error {
	cmd := c.sshCommand(ctx, "", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	c.logger.Debug("running gerrit ssh command",
		logfields.Event("gerrit_command"),
		zap.Strings("args", args),
	)

	return cmd.Run()
}
