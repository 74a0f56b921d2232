// Command bootstrap is the process entrypoint AWS Lambda's custom
// runtime support expects: a binary named "bootstrap" that runs the
// runtime loop against AWS_LAMBDA_RUNTIME_API until the control plane
// (or a trapped signal) tells it to stop.
//
// This binary wires in an example PONG handler; real deployments
// replace newHandler with their own runtime.Factory.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aslatter/go-lambda-runtime/runtime"
)

func main() {
	os.Exit(mainErr())
}

func mainErr() int {
	cfg := runtime.ConfigFromEnv()

	ctx, stop := runtime.NotifyContext(context.Background(), cfg)
	defer stop()

	return runtime.Run(ctx, cfg, newHandler)
}

func newHandler(ctx context.Context) (runtime.Handler, error) {
	h := runtime.BytesHandler(func(ctx context.Context, ictx *runtime.InvocationContext, payload []byte) ([]byte, error) {
		return []byte(fmt.Sprintf("PONG %s", payload)), nil
	})
	return h.AsHandler(), nil
}
