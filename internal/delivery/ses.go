package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/busybox42/mxforward/internal/smtperr"
)

// SendEmailAPI is the part of the SES v2 client used by SESTransport.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES smarthost mode.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESTransport hands messages to Amazon SES as raw MIME instead of
// connecting to recipient exchanges directly.
type SESTransport struct {
	client SendEmailAPI
}

// NewSESTransport builds an SES client from the default AWS credential chain,
// or from static keys when both are set.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewSESTransportWithClient wraps an existing SES client.
func NewSESTransportWithClient(client SendEmailAPI) *SESTransport {
	return &SESTransport{client: client}
}

// Send implements Transport.
func (t *SESTransport) Send(ctx context.Context, req *Request) (*Receipt, error) {
	start := time.Now()
	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses: req.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: req.Data},
		},
	})
	if err != nil {
		return nil, smtperr.Wrap(fmt.Errorf("SES delivery failed: %w", err), smtperr.CodeTransient)
	}

	return &Receipt{
		Host:      "ses",
		Accepted:  req.To,
		MessageID: aws.ToString(out.MessageId),
		Duration:  time.Since(start),
	}, nil
}
