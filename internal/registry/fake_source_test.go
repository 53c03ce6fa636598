package registry

import "github.com/qlstream/rtspd/internal/mediatuple"

// fakeSource is a minimal MediaSource used across this package's tests.
type fakeSource struct {
	Base
	readers int
}

func newFakeSource(schema string, tuple mediatuple.Tuple) *fakeSource {
	s := &fakeSource{}
	s.Base.Init(s, schema, tuple)
	return s
}

func (s *fakeSource) ReaderCount() int { return s.readers }
