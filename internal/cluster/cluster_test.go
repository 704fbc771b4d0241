package cluster

import (
	"testing"
)

// TestJSONCodecRoundTrip verifies the hand-rolled grpc codec used in place
// of protoc-generated stubs actually round-trips the wire message types.
func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}

	want := &voteRequest{NodeID: 7, HaveVote: true}
	data, err := c.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got voteRequest
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != *want {
		t.Fatalf("round trip = %+v, want %+v", got, *want)
	}

	if c.Name() != jsonCodecName {
		t.Fatalf("Name() = %q, want %q", c.Name(), jsonCodecName)
	}
}

// TestJSONCodecRoundTripLiveMembers covers a slice-valued field, since
// LiveMembers is the one call whose reply carries a variable-length payload.
func TestJSONCodecRoundTripLiveMembers(t *testing.T) {
	c := jsonCodec{}

	want := &liveMembersReply{NodeIDs: []uint32{1, 2, 3}}
	data, err := c.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got liveMembersReply
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.NodeIDs) != 3 || got.NodeIDs[0] != 1 || got.NodeIDs[2] != 3 {
		t.Fatalf("round trip = %+v, want %+v", got, *want)
	}
}

// TestBuildClientTLSMissingFiles verifies Dial surfaces a clear error
// instead of panicking when the configured cert material is absent — the
// common misconfiguration of a bad cluster.* path in the YAML.
func TestBuildClientTLSMissingFiles(t *testing.T) {
	_, err := buildClientTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "/nonexistent/ca.pem")
	if err == nil {
		t.Fatal("buildClientTLS with missing files = nil error, want error")
	}
}
