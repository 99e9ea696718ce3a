package kernel

import (
	"container/list"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionInfoUnmarshal(t *testing.T) {
	raw := `{
		"transport": "tcp", "ip": "127.0.0.1", "key": "abc",
		"signature_scheme": "hmac-sha256",
		"shell_port": 1, "control_port": 2, "iopub_port": 3, "hb_port": 4, "stdin_port": 5
	}`
	var info ConnectionInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "tcp", info.Transport)
	assert.Equal(t, 5, info.StdinPort)
}

func TestKernelIDExtraction(t *testing.T) {
	m := reKernelID.FindStringSubmatch("/tmp/kernel-1234-abcd.json")
	require.Len(t, m, 2)
	assert.Equal(t, "1234-abcd", m[1])
}

func TestInterruptSubscription(t *testing.T) {
	k := &Kernel{}
	k.interruptSubscribers = list.New()
	called := make(chan struct{}, 1)
	id := k.SubscribeInterrupt(func(SubscriptionID) { called <- struct{}{} })
	k.notifyInterruptSubscribers()
	<-called
	k.UnsubscribeInterrupt(id)
}
