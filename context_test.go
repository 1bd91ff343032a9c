package dbconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextCoreID_Monotonic(t *testing.T) {
	a := NextCoreID()
	b := NextCoreID()
	assert.Greater(t, b, a)
}

func TestNextEndpointID_Monotonic(t *testing.T) {
	a := NextEndpointID()
	b := NextEndpointID()
	assert.Greater(t, b, a)
}

func TestNewEndpointContext_PopulatesIdentity(t *testing.T) {
	core := CoreContext{CoreID: 7}
	ctx := NewEndpointContext(core, "db.internal", 8091, ServiceKV)

	assert.Equal(t, uint64(7), ctx.CoreID)
	assert.Equal(t, "db.internal", ctx.Identity.RemoteHost)
	assert.Equal(t, uint16(8091), ctx.Identity.RemotePort)
	assert.Equal(t, ServiceKV, ctx.Identity.ServiceType)
	assert.NotZero(t, ctx.Identity.EndpointID)
}

func TestEndpointContext_ExportAsMapIsOrderedAndStable(t *testing.T) {
	ctx := NewEndpointContext(CoreContext{CoreID: 1}, "h", 1, ServiceQuery)
	a := ctx.ExportAsMap()
	b := ctx.ExportAsMap()
	assert.Equal(t, a, b)
	assert.Equal(t, "core_id", a[0].Key)
	assert.Equal(t, "service_type", a[3].Key)
	assert.Equal(t, "query", a[3].Value)
}

func TestRequestContext_ExportAsMapReflectsDispatchLatency(t *testing.T) {
	ctx := NewRequestContext(CoreContext{CoreID: 2}, nil)
	before := ctx.ExportAsMap()
	assert.Equal(t, "0", before[2].Value)

	ctx.stampDispatchLatency(500)
	after := ctx.ExportAsMap()
	assert.Equal(t, "500", after[2].Value)
}
