package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProductionReturnsUsableLogger(t *testing.T) {
	logger := New(false)
	assert.NotNil(t, logger)
	logger.Infow("startup", "mode", "production")
}

func TestNewDevelopmentReturnsUsableLogger(t *testing.T) {
	logger := New(true)
	assert.NotNil(t, logger)
	logger.Infow("startup", "mode", "development")
}

func TestBootstrapLoggerIsUsableBeforeMainWiresOne(t *testing.T) {
	assert.NotNil(t, Bootstrap)
	Bootstrap.Infow("bootstrap")
}
