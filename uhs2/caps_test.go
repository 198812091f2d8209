package uhs2_test

import (
	"testing"

	"github.com/cursorhu/go-uhs2/uhs2"
	"github.com/stretchr/testify/assert"
)

func TestSentinelDecoding(t *testing.T) {
	// Raw zero means "maximum" for the timing and flow-control fields.
	assert.Equal(t, uint32(uhs2.NLssSyncMax), uhs2.DecodeNLssSync(0))
	assert.Equal(t, uint32(uhs2.NLssDirMax), uhs2.DecodeNLssDir(0))
	assert.Equal(t, uint32(uhs2.NFCUMax), uhs2.DecodeNFCU(0))

	assert.Equal(t, uint32(8), uhs2.DecodeNLssSync(2))
	assert.Equal(t, uint32(16), uhs2.DecodeNLssDir(2))
	assert.Equal(t, uint32(8), uhs2.DecodeNFCU(8))
}

func TestSentinelEncoding(t *testing.T) {
	// Non-sentinel values shift back to their raw encoding.
	assert.Equal(t, uint32(2), uhs2.EncodeNLssSync(8))
	assert.Equal(t, uint32(2), uhs2.EncodeNLssDir(16))

	// The decoded maximum wraps back to the zero sentinel.
	assert.Equal(t, uint32(0), uhs2.EncodeNLssSync(uhs2.NLssSyncMax))
	assert.Equal(t, uint32(0), uhs2.EncodeNLssDir(uhs2.NLssDirMax))
}

func TestDecodeDeviceCaps(t *testing.T) {
	var caps uhs2.DeviceCaps
	caps.DecodeGenCaps(uhs2.Lanes2LHDFD<<8 | uhs2.AppSDMemory<<16)
	caps.DecodePhyCaps(0x11, 0x2<<4|0x2)
	caps.DecodeLinkTranCaps(512<<20|0x2<<16|8<<8|0x10, 0x2)

	assert.Equal(t, uint32(uhs2.Lanes2LHDFD), caps.NLanes)
	assert.Equal(t, uint32(uhs2.AppSDMemory), caps.AppType)
	assert.Equal(t, uint32(1), caps.PhyMajor)
	assert.Equal(t, uint32(1), caps.PhyMinor)
	assert.Equal(t, uint32(8), caps.NLssSync)
	assert.Equal(t, uint32(16), caps.NLssDir)
	assert.Equal(t, uint32(512), caps.MaxBlkLen)
	assert.Equal(t, uint32(8), caps.NFCU)
	assert.Equal(t, uint32(2), caps.NDataGap)
}

func TestDecodeHostCaps(t *testing.T) {
	caps := uhs2.DecodeHostCaps(
		1<<16|uhs2.Lanes2LHDFD<<8|0x1<<4|0x1,
		0x4<<20|0x4<<16|0x1,
		512<<20|0x1<<16|16<<8|0x1,
		0x1,
	)

	assert.Equal(t, uint32(0x1), caps.DAP)
	assert.Equal(t, uint32(0x1), caps.GAP)
	assert.Equal(t, uint32(uhs2.Lanes2LHDFD), caps.NLanes)
	assert.Equal(t, uint32(uhs2.SpeedRangeA), caps.SpeedRange)
	assert.Equal(t, uint32(16), caps.NLssSync)
	assert.Equal(t, uint32(32), caps.NLssDir)
	assert.Equal(t, uint32(16), caps.NFCU)
	assert.Equal(t, uint32(512), caps.MaxBlkLen)
	assert.Equal(t, uint32(1), caps.NDataGap)
}

func TestNegotiate(t *testing.T) {
	type testCase struct {
		name string
		host uhs2.HostCaps
		dev  uhs2.DeviceCaps
		want uhs2.NegotiatedConfig
	}

	baseHost := uhs2.HostCaps{
		NLanes:    uhs2.Lanes2LHDFD,
		NLssSync:  16,
		NLssDir:   32,
		NFCU:      16,
		MaxBlkLen: 512,
		NDataGap:  1,
	}
	baseDev := uhs2.DeviceCaps{
		NLanes:    uhs2.Lanes2LHDFD,
		AppType:   uhs2.AppSDMemory,
		NLssSync:  8,
		NLssDir:   16,
		NFCU:      8,
		MaxBlkLen: 512,
		NDataGap:  2,
	}

	cases := []testCase{
		{
			name: "half duplex sd memory",
			host: baseHost,
			dev:  baseDev,
			want: uhs2.NegotiatedConfig{
				NLanesSet:     uhs2.GenSet2LFDHD,
				SpeedRangeSet: uhs2.SpeedRangeA,
				NLssSyncSet:   4, // max(8, 16) encoded
				NLssDirSet:    4, // max(16, 32) encoded
				MaxBlkLenSet:  512,
				NFCUSet:       8,
				NDataGapSet:   2,
				MaxRetrySet:   uhs2.MaxRetrySet,
				HalfDuplex:    true,
			},
		},
		{
			name: "full duplex raises the gap floor",
			host: baseHost,
			dev: func() uhs2.DeviceCaps {
				d := baseDev
				d.NLanes = uhs2.Lanes2D2UFD
				return d
			}(),
			want: uhs2.NegotiatedConfig{
				NLanesSet:     uhs2.GenSet2LFDHD,
				SpeedRangeSet: uhs2.SpeedRangeA,
				NLssSyncSet:   4,
				NLssDirSet:    4,
				MaxBlkLenSet:  512,
				NFCUSet:       8,
				NDataGapSet:   uhs2.MinDataGapFD,
				MaxRetrySet:   uhs2.MaxRetrySet,
			},
		},
		{
			name: "speed range b follows the host",
			host: func() uhs2.HostCaps {
				h := baseHost
				h.SpeedRange = uhs2.SpeedRangeB
				return h
			}(),
			dev: baseDev,
			want: uhs2.NegotiatedConfig{
				NLanesSet:     uhs2.GenSet2LFDHD,
				SpeedRangeSet: uhs2.SpeedRangeB,
				NLssSyncSet:   4,
				NLssDirSet:    4,
				MaxBlkLenSet:  512,
				NFCUSet:       8,
				NDataGapSet:   2,
				MaxRetrySet:   uhs2.MaxRetrySet,
				HalfDuplex:    true,
			},
		},
		{
			name: "non-memory block length is the minimum",
			host: baseHost,
			dev: func() uhs2.DeviceCaps {
				d := baseDev
				d.AppType = uhs2.AppSDIO
				d.MaxBlkLen = 1024
				return d
			}(),
			want: uhs2.NegotiatedConfig{
				NLanesSet:     uhs2.GenSet2LFDHD,
				SpeedRangeSet: uhs2.SpeedRangeA,
				NLssSyncSet:   4,
				NLssDirSet:    4,
				MaxBlkLenSet:  512,
				NFCUSet:       8,
				NDataGapSet:   2,
				MaxRetrySet:   uhs2.MaxRetrySet,
				HalfDuplex:    true,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := uhs2.Negotiate(&tc.host, &tc.dev)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSettingPayloads(t *testing.T) {
	cfg := uhs2.NegotiatedConfig{
		NLanesSet:     uhs2.GenSet2LFDHD,
		SpeedRangeSet: uhs2.SpeedRangeB,
		NLssSyncSet:   4,
		NLssDirSet:    4,
		MaxBlkLenSet:  512,
		NFCUSet:       8,
		NDataGapSet:   2,
		MaxRetrySet:   uhs2.MaxRetrySet,
	}

	gen := cfg.GenSetPayload()
	assert.Equal(t, [2]uint32{uhs2.GenSet2LFDHD << uhs2.GenSetNLanesPos, 0}, gen)

	phy := cfg.PhySetPayload()
	assert.Equal(t, uint32(uhs2.SpeedRangeB)<<uhs2.PhySetSpeedPos, phy[0])
	assert.Equal(t, uint32(4)<<uhs2.PhySetNLssDirPos|4, phy[1])

	tran := cfg.LinkTranSetPayload()
	assert.Equal(t, uint32(512)<<uhs2.LTSetMaxBlkLenPos|
		uint32(uhs2.MaxRetrySet)<<uhs2.LTSetMaxRetryPos|
		uint32(8)<<uhs2.LTSetNFCUPos, tran[0])
	assert.Equal(t, uint32(2), tran[1])
}
