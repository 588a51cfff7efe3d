package recipients

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

type memStore struct {
	objects map[string]string
	gets    int
}

func (m *memStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.gets++
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, campaign.ErrSourceUnavailable
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func storeWith(body string) *memStore {
	return &memStore{objects: map[string]string{"b/k.csv": body}}
}

func TestReadAll_Scenario(t *testing.T) {
	r := NewReader(storeWith("Email,IsActive\na@x.com,true\nb@x.com,false\nbad-email,true\n"))

	b, err := r.ReadAll(context.Background(), "b", "k.csv")
	require.NoError(t, err)
	assert.Empty(t, b.Malformed)
	assert.Equal(t, []campaign.Record{
		{Email: "a@x.com", IsActive: true},
		{Email: "b@x.com", IsActive: false},
		{Email: "bad-email", IsActive: true},
	}, b.Records)
}

func TestReadAll_HeaderVariants(t *testing.T) {
	body := "\ufeffName, isactive ,EMAIL\nAnn,Yes, ann@x.com \nBob,n,bob@x.com\n"
	b, err := NewReader(storeWith(body)).ReadAll(context.Background(), "b", "k.csv")
	require.NoError(t, err)
	assert.Equal(t, []campaign.Record{
		{Email: "ann@x.com", IsActive: true},
		{Email: "bob@x.com", IsActive: false},
	}, b.Records)
}

func TestReadAll_MalformedRowsAreSkipped(t *testing.T) {
	body := "Email,IsActive\n" +
		"a@x.com,true\n" +
		"short\n" +
		"c@x.com,perhaps\n" +
		"\"broken,true\n"
	b, err := NewReader(storeWith(body)).ReadAll(context.Background(), "b", "k.csv")
	require.NoError(t, err)

	assert.Equal(t, []campaign.Record{{Email: "a@x.com", IsActive: true}}, b.Records)
	require.Len(t, b.Malformed, 3)
	assert.Equal(t, 3, b.Malformed[0].Line)
	assert.Equal(t, 4, b.Malformed[1].Line)
	for _, e := range b.Malformed {
		assert.ErrorIs(t, e, campaign.ErrMalformedRecord)
	}
}

func TestReadAll_Fatal(t *testing.T) {
	cases := map[string]string{
		"empty object":   "",
		"missing email":  "Address,IsActive\na@x.com,true\n",
		"missing active": "Email\na@x.com\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader(storeWith(body)).ReadAll(context.Background(), "b", "k.csv")
			require.ErrorIs(t, err, campaign.ErrSourceUnavailable)
		})
	}

	t.Run("object missing", func(t *testing.T) {
		_, err := NewReader(storeWith("")).ReadAll(context.Background(), "b", "other.csv")
		require.ErrorIs(t, err, campaign.ErrSourceUnavailable)
	})
}

type failingBody struct{ r io.Reader }

func (f failingBody) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, errors.New("connection reset")
	}
	return n, err
}
func (failingBody) Close() error { return nil }

type brokenStore struct{}

func (brokenStore) Get(context.Context, string, string) (io.ReadCloser, error) {
	return failingBody{strings.NewReader("Email,IsActive\na@x.com,true\n")}, nil
}

func TestRecords_StreamFailureEndsSequence(t *testing.T) {
	seq, err := NewReader(brokenStore{}).Records(context.Background(), "b", "k.csv")
	require.NoError(t, err)

	var recs []campaign.Record
	var last error
	for rec, err := range seq {
		if err != nil {
			last = err
			continue
		}
		recs = append(recs, rec)
	}
	assert.Len(t, recs, 1)
	require.ErrorIs(t, last, campaign.ErrSourceUnavailable)
}

func TestRecords_Restartable(t *testing.T) {
	st := storeWith("Email,IsActive\na@x.com,true\n")
	r := NewReader(st)

	for range 2 {
		b, err := r.ReadAll(context.Background(), "b", "k.csv")
		require.NoError(t, err)
		require.Len(t, b.Records, 1)
	}
	assert.Equal(t, 2, st.gets)
}

type fakeS3 struct{ err error }

func (f fakeS3) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("Email,IsActive\n"))}, nil
}

func TestS3Store_Get(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		body, err := (&S3Store{client: fakeS3{}}).Get(context.Background(), "b", "k")
		require.NoError(t, err)
		require.NoError(t, body.Close())
	})

	cases := map[string]struct {
		err    error
		reason string
	}{
		"typed not found": {&types.NoSuchKey{}, "object not found"},
		"access denied":   {&smithy.GenericAPIError{Code: "AccessDenied"}, "access denied"},
		"no bucket":       {&smithy.GenericAPIError{Code: "NoSuchBucket"}, "bucket not found"},
		"network":         {errors.New("dial tcp: timeout"), "get object failed"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := (&S3Store{client: fakeS3{err: tc.err}}).Get(context.Background(), "b", "k")
			require.ErrorIs(t, err, campaign.ErrSourceUnavailable)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}
