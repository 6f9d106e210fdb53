// Package secrets reads the database credentials from AWS Secrets Manager,
// resolving the region through the EC2 instance metadata service.
package secrets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMetadataURL = "http://169.254.169.254"

	identityPath = "/latest/dynamic/instance-identity/document"
	tokenPath    = "/latest/api/token"

	tokenTTLHeader = "X-aws-ec2-metadata-token-ttl-seconds"
	tokenTTL       = "21600"
	tokenHeader    = "X-aws-ec2-metadata-token"
)

// ErrSecretRetrieval wraps every failure to obtain the secret.
var ErrSecretRetrieval = errors.New("unable to retrieve secret details")

// Credentials is the JSON document stored in the secret.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Client struct {
	log         *logrus.Entry
	http        heimdall.Doer
	metadataURL string
	newSecrets  func(ctx context.Context, region string) (SecretsAPI, error)
}

func NewClient(metadataURL string, log *logrus.Entry) *Client {
	if metadataURL == "" {
		metadataURL = DefaultMetadataURL
	}
	backoff := heimdall.NewConstantBackoff(200*time.Millisecond, 100*time.Millisecond)
	return &Client{
		log: log.WithField("component", "secrets"),
		http: httpclient.NewClient(
			httpclient.WithHTTPTimeout(5*time.Second),
			httpclient.WithRetryCount(2),
			httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		),
		metadataURL: metadataURL,
		newSecrets:  awsSecrets,
	}
}

func awsSecrets(ctx context.Context, region string) (SecretsAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// GetCredentials fetches and decodes the secret named secretName.
func (c *Client) GetCredentials(ctx context.Context, secretName string) (Credentials, error) {
	c.log.Info("retrieving AWS secret details")

	region, err := c.Region(ctx)
	if err != nil {
		return Credentials{}, err
	}

	api, err := c.newSecrets(ctx, region)
	if err != nil {
		return Credentials{}, errors.Wrapf(ErrSecretRetrieval, "loading AWS configuration: %v", err)
	}
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretName)})
	if err != nil {
		return Credentials{}, errors.Wrapf(ErrSecretRetrieval, "couldn't retrieve secret details: %v", err)
	}
	if out.SecretString == nil {
		return Credentials{}, errors.Wrap(ErrSecretRetrieval, "secret has no string value")
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &creds); err != nil {
		return Credentials{}, errors.Wrapf(ErrSecretRetrieval, "decoding secret: %v", err)
	}
	return creds, nil
}

// Region returns the region of the running EC2 instance. Instances enforcing
// IMDSv2 answer 401 until a session token is presented.
func (c *Client) Region(ctx context.Context) (string, error) {
	resp, err := c.metadata(ctx, http.MethodGet, identityPath, nil)
	if err != nil {
		return "", errors.Wrapf(ErrSecretRetrieval, "EC2 information request failed: %v", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err := c.token(ctx)
		if err != nil {
			return "", err
		}
		resp, err = c.metadata(ctx, http.MethodGet, identityPath, http.Header{tokenHeader: []string{token}})
		if err != nil {
			return "", errors.Wrapf(ErrSecretRetrieval, "EC2 information request failed: %v", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrSecretRetrieval, "EC2 information request failed: status %d", resp.StatusCode)
	}
	var identity struct {
		Region string `json:"region"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return "", errors.Wrapf(ErrSecretRetrieval, "decoding EC2 information: %v", err)
	}
	if identity.Region == "" {
		return "", errors.Wrap(ErrSecretRetrieval, "EC2 information has no region")
	}
	return identity.Region, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	resp, err := c.metadata(ctx, http.MethodPut, tokenPath, http.Header{tokenTTLHeader: []string{tokenTTL}})
	if err != nil {
		return "", errors.Wrapf(ErrSecretRetrieval, "EC2 instance metadata service request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrSecretRetrieval, "EC2 instance metadata service request failed: status %d", resp.StatusCode)
	}
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(ErrSecretRetrieval, "reading metadata token: %v", err)
	}
	return string(token), nil
}

func (c *Client) metadata(ctx context.Context, method, path string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.metadataURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}
