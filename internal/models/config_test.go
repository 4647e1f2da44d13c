package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Source(t *testing.T) {
	cfg := &Config{Sources: []SourceConfig{{Name: "root"}, {Name: "home"}}}

	home := cfg.Source("home")
	assert.NotNil(t, home)
	assert.Equal(t, "home", home.Name)
	assert.Nil(t, cfg.Source("missing"))
}

func TestRetentionPolicy_IsZero(t *testing.T) {
	assert.True(t, RetentionPolicy{}.IsZero())
	assert.False(t, RetentionPolicy{KeepDaily: 1}.IsZero())
}

func TestFailAfterConstructors(t *testing.T) {
	assert.Equal(t, FailPolicyMandatory, Mandatory().Policy)
	assert.Equal(t, FailPolicyOptional, Optional().Policy)

	deadline := Deadline(36 * time.Hour)
	assert.Equal(t, FailPolicyDeadline, deadline.Policy)
	assert.Equal(t, 36*time.Hour, deadline.MaxAge)
}
