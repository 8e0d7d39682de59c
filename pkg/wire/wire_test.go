package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	url := []byte("/tele/speed")
	payload := []byte("42")

	buf, err := Encode(TypePublish, StatusOK, 7, url, payload)
	require.NoError(t, err)

	pkt, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, TypePublish, pkt.Header.Type)
	require.Equal(t, StatusOK, pkt.Header.Status)
	require.EqualValues(t, 7, pkt.Header.Seqno)
	require.True(t, bytes.Equal(url, pkt.URL))
	require.True(t, bytes.Equal(payload, pkt.Payload))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(TypeRPC, 0, 0, nil, make([]byte, MaxDataLength+1))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestReassemblerSingleSlice(t *testing.T) {
	buf, err := Encode(TypeRPC, 0, 1, []byte("/x"), []byte("hello"))
	require.NoError(t, err)

	var got []Packet
	r := NewReassembler()
	err = r.Feed(buf, func(p Packet) error {
		got = append(got, Packet{Header: p.Header, URL: append([]byte(nil), p.URL...), Payload: append([]byte(nil), p.Payload...)})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "/x", string(got[0].URL))
	require.Equal(t, "hello", string(got[0].Payload))
}

func TestReassemblerByteAtATimeMatchesSingleSlice(t *testing.T) {
	buf1, _ := Encode(TypeRPC, 0, 1, []byte("/x"), []byte("hello"))
	buf2, _ := Encode(TypePublish, 0, 2, []byte("/y/"), []byte("world"))
	stream := append(append([]byte{}, buf1...), buf2...)

	var wantURLs, gotURLs []string

	rSingle := NewReassembler()
	_ = rSingle.Feed(stream, func(p Packet) error {
		wantURLs = append(wantURLs, string(p.URL))
		return nil
	})

	rByte := NewReassembler()
	for i := range stream {
		_ = rByte.Feed(stream[i:i+1], func(p Packet) error {
			gotURLs = append(gotURLs, string(p.URL))
			return nil
		})
	}

	require.Equal(t, wantURLs, gotURLs)
	require.Equal(t, []string{"/x", "/y/"}, gotURLs)
}

func TestValidateRejectsBadMagic(t *testing.T) {
	buf, _ := Encode(TypeRPC, 0, 0, nil, nil)
	buf[0] = 0xff
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}
