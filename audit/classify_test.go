package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		event EventType
		want  RiskLevel
	}{
		{EventLoginFailure, RiskHigh},
		{EventPHIDelete, RiskHigh},
		{EventPHIExport, RiskHigh},
		{EventConfigChange, RiskCritical},
		{EventSecurityAlert, RiskCritical},
		{EventPHITransmitted, RiskMedium},
		{EventLoginSuccess, RiskLow},
		{EventLogout, RiskLow},
		{EventIdleTimeout, RiskLow},
		{EventAbsoluteTimeout, RiskLow},
		{EventForcedLogout, RiskLow},
		{EventPHIView, RiskLow},
		{EventPermissionDenied, RiskLow},
		{EventType("something-new"), RiskLow},
	}
	for _, tc := range cases {
		t.Run(string(tc.event), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.event, OutcomeSuccess))
			assert.Equal(t, tc.want, Classify(tc.event, OutcomeFailure))
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, RiskHigh, Classify(EventLoginFailure, OutcomeFailure))
		assert.Equal(t, RiskCritical, Classify(EventConfigChange, OutcomeSuccess))
	}
}

func TestAlertable(t *testing.T) {
	assert.False(t, Alertable(RiskLow))
	assert.False(t, Alertable(RiskMedium))
	assert.True(t, Alertable(RiskHigh))
	assert.True(t, Alertable(RiskCritical))
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
}

func TestSanitizeDetails(t *testing.T) {
	in := map[string]string{
		"role":          "clinician",
		"password":      "hunter2",
		"Authorization": "Bearer abc",
		"refresh_token": "xyz",
	}
	out := sanitizeDetails(in)
	assert.Equal(t, "clinician", out["role"])
	assert.Equal(t, redacted, out["password"])
	assert.Equal(t, redacted, out["Authorization"])
	assert.Equal(t, redacted, out["refresh_token"])
	assert.Equal(t, "hunter2", in["password"], "input must not be modified")
	assert.Nil(t, sanitizeDetails(map[string]string{}))
}
