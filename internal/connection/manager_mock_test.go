package connection_test

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/mocks"
)

type ManagerMockTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller
}

func TestManagerMockSuite(t *testing.T) {
	suite.Run(t, new(ManagerMockTestSuite))
}

func (suite *ManagerMockTestSuite) SetupTest() {
	suite.ctrl = gomock.NewController(suite.T())
}

func (suite *ManagerMockTestSuite) config() connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.URL = "ws://stream.test/ws"
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.JitterMax = 0
	return cfg
}

func (suite *ManagerMockTestSuite) start(m *connection.Manager) {
	suite.Require().NoError(m.Start(context.Background()))
	suite.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
}

// openClient returns a mock that connects successfully and exposes its channels.
func (suite *ManagerMockTestSuite) openClient(msgs chan connection.TimestampedMessage, errs chan error) *mocks.MockClient {
	c := mocks.NewMockClient(suite.ctrl)
	c.EXPECT().Connect(gomock.Any()).Return(nil)
	c.EXPECT().Messages().Return((<-chan connection.TimestampedMessage)(msgs)).AnyTimes()
	c.EXPECT().Errors().Return((<-chan error)(errs)).AnyTimes()
	c.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	return c
}

func (suite *ManagerMockTestSuite) TestReplayThenReconnectAfterReadError() {
	registry := subscription.NewRegistry()
	registry.Add(subscription.Symbol("AAPL"))

	errs1 := make(chan error, 1)
	first := suite.openClient(make(chan connection.TimestampedMessage), errs1)
	second := suite.openClient(make(chan connection.TimestampedMessage), make(chan error))

	replayed := make(chan connection.Command, 4)
	record := func(data []byte) error {
		var cmd connection.Command
		suite.Require().NoError(json.Unmarshal(data, &cmd))
		replayed <- cmd
		return nil
	}
	first.EXPECT().Send(gomock.Any()).DoAndReturn(record).Times(1)
	second.EXPECT().Send(gomock.Any()).DoAndReturn(record).Times(1)

	var built atomic.Int32
	factory := func(connection.ClientConfig, *zap.Logger) connection.Client {
		if built.Add(1) == 1 {
			return first
		}
		return second
	}

	m := connection.NewManager(suite.config(), registry, zaptest.NewLogger(suite.T()),
		connection.WithClientFactory(factory))
	suite.start(m)

	suite.Require().NoError(m.Connect())
	cmd := suite.receive(replayed)
	suite.Equal(connection.CommandSubscribe, cmd.Type)
	suite.Equal("AAPL", cmd.Data.StockCode)
	suite.Equal(connection.StateOpen, m.State())

	errs1 <- io.ErrUnexpectedEOF

	cmd = suite.receive(replayed)
	suite.Equal("AAPL", cmd.Data.StockCode)
	suite.Eventually(func() bool { return m.State() == connection.StateOpen }, time.Second, time.Millisecond)
	suite.Equal(int32(2), built.Load())
}

func (suite *ManagerMockTestSuite) TestWriteFailureIsReported() {
	c := suite.openClient(make(chan connection.TimestampedMessage), make(chan error))
	c.EXPECT().Send(gomock.Any()).Return(io.ErrClosedPipe)

	m := connection.NewManager(suite.config(), nil, zaptest.NewLogger(suite.T()),
		connection.WithClientFactory(func(connection.ClientConfig, *zap.Logger) connection.Client { return c }))
	suite.start(m)

	suite.Require().NoError(m.Connect())
	suite.Eventually(func() bool { return m.IsConnected() }, time.Second, time.Millisecond)

	err := m.Send([]byte(`{"type":"heartbeat"}`))
	suite.Error(err)
	suite.ErrorIs(err, io.ErrClosedPipe)
}

func (suite *ManagerMockTestSuite) TestOfflineNeverDials() {
	network := mocks.NewMockNetworkMonitor(suite.ctrl)
	network.EXPECT().Changes().Return((<-chan bool)(nil)).AnyTimes()
	network.EXPECT().Online().Return(false).AnyTimes()

	m := connection.NewManager(suite.config(), nil, zaptest.NewLogger(suite.T()),
		connection.WithNetworkMonitor(network),
		connection.WithClientFactory(func(connection.ClientConfig, *zap.Logger) connection.Client {
			suite.Fail("client built while offline")
			return nil
		}))
	suite.start(m)

	suite.Require().NoError(m.Connect())
	suite.Equal(connection.StateClosed, m.State())
}

func (suite *ManagerMockTestSuite) receive(ch <-chan connection.Command) connection.Command {
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(time.Second):
		suite.FailNow("timeout waiting for send")
	}
	return connection.Command{}
}
