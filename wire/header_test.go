package wire

import (
	"bytes"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func TestHeaderRoundTrip(t *testing.T) {
	cv.Convey("Given a handful of representative FMTP headers covering BOP, EOP, retransmission, and max-uint32 product indices, when each is encoded and decoded, the decoded header should equal the original", t, func() {
		cases := []Header{
			{ProductIndex: 7, Sequence: 0, PayloadLength: 1200, Flags: FlagBOP},
			{ProductIndex: 7, Sequence: 2400, PayloadLength: 600, Flags: FlagEOP},
			{ProductIndex: 1<<32 - 1, Sequence: 1200, PayloadLength: 1200, Flags: 0},
			{ProductIndex: 10, Sequence: 0, PayloadLength: 0, Flags: FlagRetxData | FlagBOP},
		}
		for _, h := range cases {
			enc := Encode(h)
			cv.So(len(enc), cv.ShouldEqual, HeaderLen)

			got, err := Decode(append(enc, make([]byte, h.PayloadLength)...))
			cv.So(err, cv.ShouldBeNil)
			cv.So(got, cv.ShouldResemble, h)
		}
	})
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	cv.Convey("Given a packet shorter than one header, when it's decoded, an error should be returned", t, func() {
		_, err := Decode(make([]byte, HeaderLen-1))
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func TestDecodeRejectsOverlongPayload(t *testing.T) {
	cv.Convey("Given a header claiming more payload than the packet actually carries, when it's decoded, an error should be returned", t, func() {
		h := Header{PayloadLength: 100}
		pkt := append(Encode(h), make([]byte, 50)...)
		_, err := Decode(pkt)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func TestDecodeRejectsBOPAndEOPTogether(t *testing.T) {
	cv.Convey("Given a header with both BOP and EOP flags set, when it's decoded, an error should be returned", t, func() {
		h := Header{Flags: FlagBOP | FlagEOP}
		_, err := Decode(Encode(h))
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func TestBOPPayloadRoundTrip(t *testing.T) {
	cv.Convey("Given a BOP payload carrying a signature and metadata string, when it's encoded and decoded, the result should equal the original", t, func() {
		b := BOPPayload{
			TotalSize:  3000,
			PayloadLen: 1200,
			Metadata:   "GOES-East/ch13/20260806T1200",
		}
		for i := range b.Signature {
			b.Signature[i] = byte(i)
		}
		enc := EncodeBOP(b)
		got, err := DecodeBOP(enc)
		cv.So(err, cv.ShouldBeNil)
		cv.So(got, cv.ShouldResemble, b)
	})
}

func TestDecodeBOPRejectsTruncatedMetadata(t *testing.T) {
	cv.Convey("Given a BOP payload truncated in the middle of its metadata string, when it's decoded, an error should be returned", t, func() {
		b := BOPPayload{TotalSize: 10, PayloadLen: 10, Metadata: "abcdef"}
		enc := EncodeBOP(b)
		_, err := DecodeBOP(enc[:len(enc)-3])
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	cv.Convey("Given one request of each kind (MISSING_BOP, MISSING_DATA, MISSING_EOP, RETX_END), when each is encoded and decoded, the result should equal the original", t, func() {
		cases := []Request{
			{Kind: RequestMissingBOP, ProductIndex: 8},
			{Kind: RequestMissingData, ProductIndex: 7, Sequence: 1200, Length: 1200},
			{Kind: RequestMissingEOP, ProductIndex: 12},
			{Kind: RequestRetxEnd, ProductIndex: 7},
		}
		for _, r := range cases {
			enc := EncodeRequest(r)
			got, err := DecodeRequest(enc)
			cv.So(err, cv.ShouldBeNil)
			cv.So(got, cv.ShouldResemble, r)
		}
	})
}

func TestWithinRecencyWindow(t *testing.T) {
	cv.Convey("Given a reference product index of 100, an index one ahead should be within the forward recency window and an index one behind should not", t, func() {
		cv.So(WithinRecencyWindow(100, 101), cv.ShouldBeTrue)
		cv.So(WithinRecencyWindow(100, 99), cv.ShouldBeFalse)
	})
}

func TestPrecedesWraparound(t *testing.T) {
	cv.Convey("Given uint32 wraparound comparison, max-uint32 should precede 0 but 0 should not precede max-uint32", t, func() {
		cv.So(Precedes(^uint32(0), 0), cv.ShouldBeTrue)
		cv.So(Precedes(0, ^uint32(0)), cv.ShouldBeFalse)
	})
}

func TestPeekHeaderIgnoresPayloadLenMismatch(t *testing.T) {
	cv.Convey("Given an encoded header, when PeekHeader reads it back, the bytes it reproduces should match the original encoding exactly", t, func() {
		h := Header{ProductIndex: 1, PayloadLength: 9999}
		enc := Encode(h)
		got, err := PeekHeader(enc)
		cv.So(err, cv.ShouldBeNil)
		cv.So(bytes.Equal(Encode(got), enc), cv.ShouldBeTrue)
	})
}
