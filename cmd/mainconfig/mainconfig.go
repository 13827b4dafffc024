package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/carebridge-health/intake-engine/internal/config"
	"github.com/carebridge-health/intake-engine/internal/dispatch"
	"github.com/carebridge-health/intake-engine/internal/workflow"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID, dynamodb.ServiceID:
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// QueueURL builds a queue URL from the configured prefix and a queue name.
func QueueURL(prefix, name string) string {
	return strings.TrimRight(prefix, "/") + "/" + name
}

// RegisterChannels attaches a main/dead-letter queue pair for every stage
// channel. With USE_MEMORY_QUEUE the queues are process-local, which only
// makes sense when publisher and consumers share the process.
func RegisterChannels(d *dispatch.Dispatcher, cfg *appconfig.Config, sqsClient *sqs.Client) {
	for _, channel := range workflow.Channels() {
		if cfg.UseMemoryQueue {
			d.RegisterChannel(channel, dispatch.NewMemoryQueue(100), dispatch.NewMemoryQueue(100))
			continue
		}
		name := "intake-" + string(channel)
		d.RegisterChannel(channel,
			dispatch.NewSQSQueue(sqsClient, QueueURL(cfg.QueueURLPrefix, name)),
			dispatch.NewSQSQueue(sqsClient, QueueURL(cfg.QueueURLPrefix, name+"-dlq")),
		)
	}
}
