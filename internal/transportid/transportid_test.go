package transportid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAckDerivation(t *testing.T) {
	assert.Equal(t, 128, Default.AckOffset())
	assert.Equal(t, ID(254), Default.Ack(D2CCmdWithAck))
	assert.Equal(t, C2DCmdAck, Default.Ack(D2CCmdWithAck))
	assert.Equal(t, ID(139), Default.Ack(C2DCmdWithAck))
	assert.Equal(t, D2CCmdAck, Default.Ack(C2DCmdWithAck))
	assert.Equal(t, ID(140), Default.Ack(C2DCmdHighPrio))
	assert.Equal(t, D2CCmdHighPrioAck, Default.Ack(C2DCmdHighPrio))
}

func TestBLEAckDerivation(t *testing.T) {
	assert.Equal(t, 16, BLE.AckOffset())
	assert.Equal(t, ID(30), BLE.Ack(D2CCmdWithAckBLE))
	assert.Equal(t, C2DCmdAckBLE, BLE.Ack(D2CCmdWithAckBLE))
	assert.Equal(t, D2CCmdAckBLE, BLE.Ack(C2DCmdWithAck))
	assert.Equal(t, D2CCmdHighPrioAckBLE, BLE.Ack(C2DCmdHighPrio))
}

func TestNoAckCollisions(t *testing.T) {
	for _, ns := range []Namespace{Default, BLE} {
		t.Run(ns.Name, func(t *testing.T) {
			require.NoError(t, ns.Validate())

			table := ns.AckTable()
			assert.Len(t, table, len(ns.Reliable()))
			seen := map[ID]bool{}
			for base, ack := range table {
				assert.False(t, seen[ack], "ack %d reused", ack)
				seen[ack] = true
				assert.True(t, ns.IsAck(ack))
				assert.False(t, ns.IsAck(base))
				assert.Less(t, int(ack), ns.Size)
			}
			for _, id := range ns.Primary() {
				assert.False(t, seen[id], "primary %d used as ack", id)
			}
		})
	}
}

func TestValidateRejectsBadNamespaces(t *testing.T) {
	collide := Namespace{Name: "collide", Size: 2, D2CCmdNoAck: 20, D2CCmdWithAck: 21}
	err := collide.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")

	overflow := Namespace{Name: "overflow", Size: Max, D2CCmdNoAck: 199, D2CCmdWithAck: 200}
	err = overflow.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflows")
}

func TestName(t *testing.T) {
	assert.Equal(t, "ping", Name(Ping))
	assert.Equal(t, "c2d_cmd_ack", C2DCmdAck.String())
	assert.Equal(t, "d2c_cmd_withack", D2CCmdWithAck.String())
	assert.Equal(t, "id_42", ID(42).String())
	assert.Equal(t, "invalid", Invalid.String())
}
