package webhook

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fuomag9/comments-collator/internal/apperr"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestEndpointGuard(t *testing.T) {
	resolver := fakeResolver{
		"hooks.example":  {netip.MustParseAddr("93.184.216.34")},
		"mixed.example":  {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("192.168.1.10")},
		"mapped.example": {netip.MustParseAddr("::ffff:127.0.0.1")},
		"empty.example":  {},
	}
	guard := NewEndpointGuard(false, resolver)

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example/figma", true},
		{"http://93.184.216.34:8080/hook", true},
		{"ftp://hooks.example/figma", false},
		{"hooks.example/figma", false},
		{"https:///figma", false},
		{"http://localhost:3000/hook", false},
		{"http://api.localhost/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://[::1]/hook", false},
		{"http://10.0.0.8/hook", false},
		{"http://100.64.1.1/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://metadata.google.internal/computeMetadata", false},
		{"https://mixed.example/hook", false},
		{"https://mapped.example/hook", false},
		{"https://empty.example/hook", false},
		{"https://unknown.example/hook", false},
	}
	for _, tt := range tests {
		err := guard.Check(context.Background(), tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
			continue
		}
		if assert.Error(t, err, tt.url) {
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), tt.url)
		}
	}
}

func TestEndpointGuard_AllowPrivate(t *testing.T) {
	guard := NewEndpointGuard(true, fakeResolver{})

	assert.NoError(t, guard.Check(context.Background(), "http://localhost:3000/hook"))
	assert.NoError(t, guard.Check(context.Background(), "http://10.0.0.8/hook"))

	// metadata endpoints stay blocked
	assert.Error(t, guard.Check(context.Background(), "http://169.254.169.254/latest"))
}
