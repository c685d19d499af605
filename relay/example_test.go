package relay_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/guseggert/carnifex/inductor/local"
	"github.com/guseggert/carnifex/reactor"
	"github.com/guseggert/carnifex/relay"
)

type upper struct {
	got  strings.Builder
	done chan string
}

func (u *upper) ConnectionMade(t relay.Transport) {
	_ = t.Write([]byte("hello\n"))
}

func (u *upper) DataReceived(b []byte) { u.got.Write(b) }

// the transport is lost when the process exits
func (u *upper) ConnectionLost(reason error) { u.done <- u.got.String() }

func ExampleEndpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	loop := reactor.New()
	go func() { _ = loop.Run(ctx) }()

	ep, err := relay.NewEndpoint(loop, local.New(), "sh", []string{"-c", `read line; echo "$line" | tr a-z A-Z`}, relay.WithTimeout(5*time.Second))
	if err != nil {
		panic(err)
	}

	u := &upper{done: make(chan string, 1)}
	factory := relay.FactoryFunc(func(net.Addr) relay.Protocol { return u })

	var connected *relay.Completion[relay.Protocol]
	_ = loop.Call(ctx, func() { connected = ep.Connect(ctx, factory) })
	if _, err := connected.Wait(ctx); err != nil {
		panic(err)
	}
	fmt.Print(<-u.done)
	// Output: HELLO
}
