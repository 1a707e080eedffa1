package providers

import (
	"strings"

	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
	"github.com/ahrav/go-llmrouter/internal/llm/transport"
)

// grpcService is the fully qualified name of the router's gRPC service.
const grpcService = "llmrouter.v1.InferenceService"

// route binds a REST path to its equivalent on the message-based transports.
type route struct {
	grpcMethod string
	wsType     string
	streaming  bool
}

// routes maps call paths that do not embed a parameter.
var routes = map[string]route{
	"health":           {grpcMethod: "HealthCheck", wsType: "health"},
	"status":           {grpcMethod: "GetStatus", wsType: "status"},
	"metrics":          {grpcMethod: "GetMetrics", wsType: "metrics"},
	"inference":        {grpcMethod: "Inference", wsType: "inference"},
	"inference/stream": {grpcMethod: "StreamInference", wsType: "inference", streaming: true},
	"models":           {grpcMethod: "ListModels", wsType: "list_models"},
	"models/load":      {grpcMethod: "LoadModel", wsType: "load_model"},
	"models/unload":    {grpcMethod: "UnloadModel", wsType: "unload_model"},
}

// getModelRoute serves models/<id>, or models with a PathParam.
var getModelRoute = route{grpcMethod: "GetModel", wsType: "get_model"}

// resolveRoute finds the route for call and the message body to send.
// Calls without a body send their path parameter and query as fields.
func resolveRoute(call *transport.Call) (route, any, error) {
	path := strings.Trim(call.Path, "/")

	params := make(map[string]any)
	if call.PathParam != "" {
		if path != "models" {
			return route{}, nil, llmerrors.Newf(llmerrors.KindConfiguration, "no route for path %q", call.Path)
		}
		params["model_id"] = call.PathParam
		return getModelRoute, params, nil
	}

	r, ok := routes[path]
	if !ok {
		id, found := strings.CutPrefix(path, "models/")
		if !found || id == "" || strings.Contains(id, "/") {
			return route{}, nil, llmerrors.Newf(llmerrors.KindConfiguration, "no route for path %q", call.Path)
		}
		r = getModelRoute
		params["model_id"] = id
	}

	if call.Body != nil {
		return r, call.Body, nil
	}
	for k := range call.Query {
		params[k] = call.Query.Get(k)
	}
	return r, params, nil
}

// fullMethod returns the gRPC method name for r.
func (r route) fullMethod() string {
	return "/" + grpcService + "/" + r.grpcMethod
}
