// Package ec2 implements fleet.Compute for AWS EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider"
	"github.com/3leaps/ocrfleet/pkg/provider/awsconfig"
)

// DefaultInstanceType is used when LaunchParams leaves InstanceType empty.
const DefaultInstanceType = "t2.micro"

// api is the subset of the EC2 client used by Compute.
type api interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// metadataAPI resolves the identity of the host instance.
type metadataAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, in *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Compute implements fleet.Compute and fleet.SelfIdentifier over EC2.
type Compute struct {
	client   api
	metadata metadataAPI
}

var (
	_ fleet.Compute        = (*Compute)(nil)
	_ fleet.SelfIdentifier = (*Compute)(nil)
)

// New creates an EC2 adapter. Instance metadata is read through IMDS, which
// is only reachable when running on EC2.
func New(ctx context.Context, cfg awsconfig.Config) (*Compute, error) {
	awsCfg, err := awsconfig.Load(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderEC2, Err: err}
	}
	return &Compute{
		client:   ec2.NewFromConfig(awsCfg),
		metadata: imds.NewFromConfig(awsCfg),
	}, nil
}

// DescribeInstances lists instances carrying the role tag.
func (c *Compute) DescribeInstances(ctx context.Context, role fleet.Role) ([]fleet.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:" + fleet.RoleTagKey),
			Values: []string{role.String()},
		}},
	}

	var out []fleet.Instance
	pager := ec2.NewDescribeInstancesPaginator(c.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, provider.Wrap(provider.ProviderEC2, "DescribeInstances", role.String(), "", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, toInstance(inst, role))
			}
		}
	}
	return out, nil
}

// RunInstances launches up to req.Count instances tagged with req.Role.
func (c *Compute) RunInstances(ctx context.Context, req fleet.RunRequest) ([]string, error) {
	p := req.Params
	instanceType := p.InstanceType
	if instanceType == "" {
		instanceType = DefaultInstanceType
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.ImageID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(int32(req.Count)),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{{
				Key:   aws.String(fleet.RoleTagKey),
				Value: aws.String(req.Role.String()),
			}},
		}},
	}
	if p.IAMProfile != "" {
		input.IamInstanceProfile = iamProfile(p.IAMProfile)
	}
	if p.KeyName != "" {
		input.KeyName = aws.String(p.KeyName)
	}
	if len(p.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = p.SecurityGroupIDs
	}
	if p.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(p.UserData)))
	}

	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		return nil, provider.Wrap(provider.ProviderEC2, "RunInstances", p.ImageID, "", err)
	}

	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	return ids, nil
}

// TerminateInstances terminates the given instances.
func (c *Compute) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return provider.Wrap(provider.ProviderEC2, "TerminateInstances", strings.Join(ids, ","), "", err)
	}
	return nil
}

// SelfInstanceID reads the host's instance id from instance metadata.
func (c *Compute) SelfInstanceID(ctx context.Context) (string, error) {
	out, err := c.metadata.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return "", provider.Wrap(provider.ProviderEC2, "SelfInstanceID", "", "", err)
	}
	return out.InstanceID, nil
}

func iamProfile(v string) *types.IamInstanceProfileSpecification {
	if strings.HasPrefix(v, "arn:") {
		return &types.IamInstanceProfileSpecification{Arn: aws.String(v)}
	}
	return &types.IamInstanceProfileSpecification{Name: aws.String(v)}
}

func toInstance(inst types.Instance, role fleet.Role) fleet.Instance {
	out := fleet.Instance{
		ID:   aws.ToString(inst.InstanceId),
		Role: role,
	}
	if inst.State != nil {
		out.State = fleet.InstanceState(inst.State.Name)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == fleet.RoleTagKey {
			if r, ok := fleet.ParseRole(aws.ToString(tag.Value)); ok {
				out.Role = r
			}
		}
	}
	return out
}
