package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSecrets struct {
	mock.Mock
}

func (m *mockSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(aws.ToString(params.SecretId))
	out, _ := args.Get(0).(*secretsmanager.GetSecretValueOutput)
	return out, args.Error(1)
}

func newTestClient(t *testing.T, url string, api SecretsAPI) (*Client, *[]string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := NewClient(url, logrus.NewEntry(logger))
	regions := []string{}
	c.newSecrets = func(_ context.Context, region string) (SecretsAPI, error) {
		regions = append(regions, region)
		return api, nil
	}
	return c, &regions
}

func imdsV1(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, identityPath, r.URL.Path)
		w.Write([]byte(`{"region": "eu-west-1", "instanceId": "i-0123"}`))
	}))
}

func TestGetCredentials(t *testing.T) {
	server := imdsV1(t)
	defer server.Close()

	api := &mockSecrets{}
	api.On("GetSecretValue", "hana/prd").Return(&secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"username": "SYSTEM", "password": "Secret1"}`),
	}, nil)

	c, regions := newTestClient(t, server.URL, api)
	creds, err := c.GetCredentials(context.Background(), "hana/prd")
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "SYSTEM", Password: "Secret1"}, creds)
	assert.Equal(t, []string{"eu-west-1"}, *regions)
	api.AssertExpectations(t)
}

func TestRegionIMDSv2(t *testing.T) {
	var tokenRequests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			tokenRequests++
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "21600", r.Header.Get(tokenTTLHeader))
			w.Write([]byte("session-token"))
		case identityPath:
			if r.Header.Get(tokenHeader) != "session-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"region": "us-east-2"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	region, err := c.Region(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-east-2", region)
	assert.Equal(t, 1, tokenRequests)
}

func TestRegionErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "TokenRejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "NotFound",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "InvalidDocument",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
		},
		{
			name: "NoRegion",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c, _ := newTestClient(t, server.URL, nil)
			_, err := c.Region(context.Background())
			assert.True(t, errors.Is(err, ErrSecretRetrieval), "got %v", err)
		})
	}
}

func TestGetCredentialsErrors(t *testing.T) {
	server := imdsV1(t)
	defer server.Close()

	tests := []struct {
		name string
		out  *secretsmanager.GetSecretValueOutput
		err  error
	}{
		{name: "ClientError", err: errors.New("ResourceNotFoundException")},
		{name: "NoString", out: &secretsmanager.GetSecretValueOutput{}},
		{name: "InvalidJSON", out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("user:pass")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockSecrets{}
			api.On("GetSecretValue", "hana/prd").Return(tt.out, tt.err)

			c, _ := newTestClient(t, server.URL, api)
			_, err := c.GetCredentials(context.Background(), "hana/prd")
			assert.True(t, errors.Is(err, ErrSecretRetrieval), "got %v", err)
		})
	}
}
