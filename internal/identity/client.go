package identity

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ValidateUserMethod takes a StringValue user id and answers a BoolValue.
const ValidateUserMethod = "/user.UserService/ValidateUser"

type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial creates a lazy connection; RPCs wait for it to become ready.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) ValidateUser(ctx context.Context, userRef string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	err := c.cc.Invoke(ctx, ValidateUserMethod, wrapperspb.String(userRef), out, grpc.WaitForReady(true))
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
