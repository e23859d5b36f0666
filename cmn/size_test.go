package cmn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aistore-edge/cachegate/cmn"
)

func TestParseSize(t *testing.T) {
	v, err := cmn.ParseSize("10MiB")
	assert.NoError(t, err)
	assert.EqualValues(t, 10*1024*1024, v)
}

func TestParseSizeInvalid(t *testing.T) {
	_, err := cmn.ParseSize("not-a-size")
	assert.Error(t, err)
}

func TestB2S(t *testing.T) {
	assert.Equal(t, "1.0 MiB", cmn.B2S(1024*1024, 1))
}
