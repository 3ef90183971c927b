package tuya

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalQuery_SortsAndDoesNotEncode(t *testing.T) {
	params := url.Values{}
	params.Set("type", "7")
	params.Set("start_time", "1")
	params.Set("end_time", "2")
	params.Set("codes", "a,b c")

	assert.Equal(t, "codes=a,b c&end_time=2&start_time=1&type=7", CanonicalQuery(params))
	assert.Equal(t, "codes=a%2Cb+c&end_time=2&start_time=1&type=7", params.Encode())
}

func TestCanonicalPath_NoQuery(t *testing.T) {
	assert.Equal(t, "/v1.0/devices/abc", CanonicalPath("/v1.0/devices/abc", nil))
}

func TestContentHash_EmptyBody(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash(nil))
	assert.Equal(t, ContentHash(nil), ContentHash([]byte{}))
}

func TestStringToSign_Layout(t *testing.T) {
	got := StringToSign("get", nil, "/v1.0/token?grant_type=1")
	assert.Equal(t, "GET\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\n\n/v1.0/token?grant_type=1", got)
}

func TestSign_KnownVectors(t *testing.T) {
	params := url.Values{}
	params.Set("type", "7")
	params.Set("size", "100")
	params.Set("start_time", "1735400000000")
	params.Set("end_time", "1735500000000")
	sts := StringToSign("GET", nil, CanonicalPath("/v1.0/devices/dev123/logs", params))

	assert.Equal(t,
		"AAD11702DB40DEA0BB093FED3C37726C159A10E20D36211B53B64484A1339750",
		Sign("cid", "secret", "tok", 1735466400000, sts))

	tokenSTS := StringToSign("GET", nil, "/v1.0/token?grant_type=1")
	assert.Equal(t,
		"3D6C25B32494834FC8009C0F714931EDD4668F068742301FF9FEA6820403E9B1",
		Sign("cid", "secret", "", 1735466400000, tokenSTS))
}

func TestSign_Deterministic(t *testing.T) {
	sts := StringToSign("POST", []byte(`{"a":1}`), "/v1.0/x")

	first := Sign("cid", "secret", "tok", 1700000000000, sts)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Sign("cid", "secret", "tok", 1700000000000, sts))
	}

	assert.NotEqual(t, first, Sign("cid", "secret", "tok", 1700000000001, sts))
	assert.NotEqual(t, first, Sign("cid", "other", "tok", 1700000000000, sts))
	assert.NotEqual(t, first, Sign("cid", "secret", "", 1700000000000, sts))
}
