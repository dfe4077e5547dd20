// Package sdk provides an embeddable deep-research client for Go
// applications.
//
// The SDK runs the same research pipeline as the weaver CLI, in process,
// with no daemon dependency: mode routing, multi-provider web search with
// rank fusion, the iterative deep-search loop, citation-gated report
// writing, and durable checkpoints for pause and resume.
//
// # Quick Start
//
// Create a client and run a research question end to end:
//
//	import "github.com/tombee/weaver/sdk"
//
//	func main() {
//		client, err := sdk.New(sdk.WithConfigFile("weaver.yaml"))
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer client.Close(context.Background())
//
//		handle, err := client.Research(context.Background(), sdk.Request{
//			Input: "What changed in HTTP/3 flow control?",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := handle.Wait(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(result.Report)
//	}
//
// # Streaming
//
// Handle.Events exposes the run's live event stream for progress UIs:
//
//	for ev := range handle.Events() {
//		switch ev.Type {
//		case "plan":
//			fmt.Println("planned:", ev.Data["queries"])
//		case "tool_start":
//			fmt.Println("searching:", ev.Data["query"])
//		}
//	}
//
// # Clarification
//
// Ambiguous questions park the run and surface a clarifying question.
// Wait returns a Result with Parked set; answer with Resume:
//
//	result, _ := handle.Wait(ctx)
//	if result.Parked {
//		handle, _ = client.Resume(ctx, handle.ID(), "production Postgres, v15")
//		result, _ = handle.Wait(ctx)
//	}
//
// # Providers
//
// By default the client builds its LLM and search providers from
// configuration. Embedders with their own provider implementations
// inject them directly:
//
//	client, err := sdk.New(
//		sdk.WithLLMProvider(myProvider),
//		sdk.WithSearchProvider(mySearch),
//	)
//
// Each client owns an isolated controller, event bus, and checkpoint
// store. Nothing is shared between instances and no environment
// variables are read beyond what the configuration layer documents.
package sdk
