package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
)

type fakeRunner struct {
	source campaign.Source
	target campaign.Target
	err    error
}

func (f *fakeRunner) RunCampaign(_ context.Context, runID string, source campaign.Source, target campaign.Target) (campaign.Result, error) {
	f.source, f.target = source, target
	res := campaign.Result{RunID: runID, State: campaign.StateCompleted, TotalRecords: 3, ValidCount: 1, SentCount: 1}
	if f.err != nil {
		res.State = campaign.StateFailed
		res.Error = f.err.Error()
	}
	return res, f.err
}

func fixed(r *fakeRunner, defaults campaign.Source) builder {
	return func(context.Context) (queue.CampaignRunner, campaign.Source, func() error, error) {
		return r, defaults, func() error { return nil }, nil
	}
}

func execute(t *testing.T, b builder, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(b)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_PrintsResult(t *testing.T) {
	r := &fakeRunner{}
	out, err := execute(t, fixed(r, campaign.Source{Bucket: "lists", Key: "all.csv", CampaignTag: "default"}),
		"run", "--template", "promo.html", "--from", "news@example.com", "--subject", "Sale", "--campaign", "spring")
	require.NoError(t, err)

	var res campaign.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, campaign.StateCompleted, res.State)
	assert.Equal(t, 1, res.SentCount)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, campaign.Source{Bucket: "lists", Key: "all.csv", CampaignTag: "spring"}, r.source)
	assert.Equal(t, campaign.Target{TemplateName: "promo.html", FromAddress: "news@example.com", Subject: "Sale"}, r.target)
}

func TestRun_FailedRunReturnsError(t *testing.T) {
	boom := errors.New("campaign run failed while loading")
	out, err := execute(t, fixed(&fakeRunner{err: boom}, campaign.Source{Bucket: "b", Key: "k"}),
		"run", "--template", "t.html", "--from", "a@example.com", "--subject", "s")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, out, `"state": "failed"`)
}

func TestRun_RequiresFlags(t *testing.T) {
	r := &fakeRunner{}
	_, err := execute(t, fixed(r, campaign.Source{Bucket: "b", Key: "k"}), "run", "--template", "t.html")
	require.Error(t, err)

	_, err = execute(t, fixed(r, campaign.Source{Bucket: "b", Key: "k"}),
		"run", "--template", "t.html", "--from", "nope", "--subject", "s")
	require.Error(t, err)

	_, err = execute(t, fixed(r, campaign.Source{}),
		"run", "--template", "t.html", "--from", "a@example.com", "--subject", "s")
	require.Error(t, err)
	assert.Empty(t, r.target.TemplateName, "nothing runs without a source")
}

func TestRun_BuildError(t *testing.T) {
	b := func(context.Context) (queue.CampaignRunner, campaign.Source, func() error, error) {
		return nil, campaign.Source{}, nil, errors.New("env EMAIL_PROVIDER: unknown provider")
	}
	_, err := execute(t, b, "run", "--template", "t.html", "--from", "a@example.com", "--subject", "s")
	require.ErrorContains(t, err, "build pipeline")
}
