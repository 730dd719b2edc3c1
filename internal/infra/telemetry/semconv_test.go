package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestOperationResultAttributes(t *testing.T) {
	attrs := OperationResultAttributes("staging", "submit", "success")
	require.Contains(t, attrs, AttrEnvironment.String("staging"))
	require.Contains(t, attrs, AttrOperation.String("submit"))
	require.Contains(t, attrs, AttrResult.String("success"))
}

func TestActionAttributesOmitsEmptyStatus(t *testing.T) {
	attrs := ActionAttributes("development", "EXPIRE", "")
	require.Len(t, attrs, 2)

	attrs = ActionAttributes("development", "CREATE", "ACTIVE")
	require.Contains(t, attrs, attribute.Key("trade.status").String("ACTIVE"))
}
