package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/draftguard"
	"github.com/ineyio/draftguard/policy"
)

func TestEnvSource_ReadsPerPlan(t *testing.T) {
	t.Setenv("AI_QUOTA_LIMIT_PRO", "500")
	t.Setenv("AI_QUOTA_HARD_ENFORCEMENT_PRO", "true")
	t.Setenv("AI_QUOTA_SOFT_THRESHOLD_PERCENT", "90")

	p, err := policy.NewEnvSource("").Policy(context.Background(), "pro")
	require.NoError(t, err)
	require.NotNil(t, p.MonthlyLimit)
	assert.Equal(t, int64(500), *p.MonthlyLimit)
	assert.True(t, p.HardEnforcement)
	assert.Equal(t, 90.0, p.SoftThresholdPercent)
}

func TestEnvSource_PlanNameNormalized(t *testing.T) {
	t.Setenv("AI_QUOTA_LIMIT_TEAM_PLUS", "42")

	p, err := policy.NewEnvSource("AI_QUOTA").Policy(context.Background(), "team-plus")
	require.NoError(t, err)
	require.NotNil(t, p.MonthlyLimit)
	assert.Equal(t, int64(42), *p.MonthlyLimit)
}

func TestEnvSource_MalformedFallsBackToSafeDefaults(t *testing.T) {
	t.Setenv("AI_QUOTA_LIMIT_FREE", "ten")
	t.Setenv("AI_QUOTA_LIMIT_STARTER", "-3")
	t.Setenv("AI_QUOTA_LIMIT_BASIC", "0")
	t.Setenv("AI_QUOTA_SOFT_THRESHOLD_PERCENT", "abc")
	t.Setenv("AI_QUOTA_HARD_ENFORCEMENT_FREE", "maybe")

	src := policy.NewEnvSource("")
	for _, plan := range []draftguard.Plan{"free", "starter", "basic"} {
		p, err := src.Policy(context.Background(), plan)
		require.NoError(t, err)
		assert.Nil(t, p.MonthlyLimit, "plan %s", plan)
		assert.False(t, p.HardEnforcement)
		assert.Equal(t, draftguard.DefaultSoftThresholdPercent, p.SoftThresholdPercent)
	}
}

func TestEnvSource_ReadsOnEveryCall(t *testing.T) {
	src := policy.NewEnvSource("DG_TEST")
	ctx := context.Background()

	t.Setenv("DG_TEST_LIMIT_PRO", "10")
	p, err := src.Policy(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(10), *p.MonthlyLimit)

	t.Setenv("DG_TEST_LIMIT_PRO", "20")
	p, err = src.Policy(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(20), *p.MonthlyLimit)
}

func TestStaticSource(t *testing.T) {
	src := policy.NewStaticSource(map[draftguard.Plan]draftguard.QuotaPolicy{
		"pro": policy.Limit(100, true),
	})
	ctx := context.Background()

	p, err := src.Policy(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(100), *p.MonthlyLimit)
	assert.True(t, p.HardEnforcement)

	p, err = src.Policy(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)

	src.Set("unknown", policy.Limit(5, false))
	p, err = src.Policy(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *p.MonthlyLimit)
}

const policyFile = `quota:
  soft_threshold_percent: 75
  plans:
    pro:
      monthly_limit: 500
      hard_enforcement: true
    free:
      monthly_limit: 0
`

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyFile), 0o600))

	src, err := policy.NewFileSource(path)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := src.Policy(ctx, "pro")
	require.NoError(t, err)
	require.NotNil(t, p.MonthlyLimit)
	assert.Equal(t, int64(500), *p.MonthlyLimit)
	assert.True(t, p.HardEnforcement)
	assert.Equal(t, 75.0, p.SoftThresholdPercent)

	p, err = src.Policy(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit, "non-positive limit is unlimited")

	p, err = src.Policy(ctx, "enterprise")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)
	assert.False(t, p.HardEnforcement)
}

func TestFileSource_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyFile), 0o600))

	src, err := policy.NewFileSource(path)
	require.NoError(t, err)

	updated := `quota:
  plans:
    pro:
      monthly_limit: 900
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		p, err := src.Policy(context.Background(), "pro")
		return err == nil && p.MonthlyLimit != nil && *p.MonthlyLimit == 900
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := policy.NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFileSource_MalformedLimitIsUnlimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`quota:
  soft_threshold_percent: often
  plans:
    pro:
      monthly_limit: lots
      hard_enforcement: true
    free:
      monthly_limit: 10
      hard_enforcement: true
    starter: nonsense
`), 0o600))

	src, err := policy.NewFileSource(path)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := src.Policy(ctx, "pro")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)
	assert.True(t, p.HardEnforcement)
	assert.Equal(t, 80.0, p.SoftThresholdPercent)

	p, err = src.Policy(ctx, "free")
	require.NoError(t, err)
	require.NotNil(t, p.MonthlyLimit)
	assert.Equal(t, int64(10), *p.MonthlyLimit)

	p, err = src.Policy(ctx, "starter")
	require.NoError(t, err)
	assert.Nil(t, p.MonthlyLimit)
	assert.False(t, p.HardEnforcement)
}

func TestFileSource_MalformedSectionIsUnlimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quota: 12\n"), 0o600))

	src, err := policy.NewFileSource(path)
	require.NoError(t, err)

	p, err := src.Policy(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, draftguard.UnlimitedPolicy(), p)
}
