package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cachemir/arraystore/pkg/array"
	"github.com/cachemir/arraystore/pkg/client"
	"github.com/cachemir/arraystore/pkg/config"
)

func main() {
	nodes := flag.String("nodes", "localhost:6379", "Comma-separated server addresses")
	codecName := flag.String("codec", config.DefaultCodec, "Payload codec (npy or compact)")
	flag.Parse()

	cfg := config.DefaultClientConfig()
	cfg.Nodes = strings.Split(*nodes, ",")
	cfg.Codec = *codecName

	c, err := client.NewCluster(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("=== Array Store Client Example ===")

	if err := c.Ping(ctx); err != nil {
		log.Printf("Warning: Ping failed: %v", err)
	} else {
		fmt.Printf("✓ Connected to %d node(s) using %s\n", len(c.Nodes()), cfg.Codec)
	}

	fmt.Println("\n--- Row-major float32 ---")

	weights, err := array.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		log.Fatal(err)
	}
	put(ctx, c, "weights", weights)
	get(ctx, c, "weights")

	fmt.Println("\n--- Column-major int64 ---")

	ids, err := array.FromSlice([]int{3, 2}, []int64{10, 20, 30, 40, 50, 60})
	if err != nil {
		log.Fatal(err)
	}
	put(ctx, c, "ids", ids.AsColumnMajor())
	get(ctx, c, "ids")

	fmt.Println("\n--- Missing key ---")

	get(ctx, c, "never-stored")

	fmt.Println("\n--- Cleanup ---")

	for _, key := range []string{"weights", "ids"} {
		if deleted, err := c.Delete(ctx, key); err != nil {
			log.Printf("DEL failed: %v", err)
		} else {
			fmt.Printf("✓ DEL %s = %t\n", key, deleted)
		}
	}

	fmt.Println("\n=== Example Complete ===")
}

func put(ctx context.Context, c *client.Cluster, key string, a *array.Array) {
	owner, _ := c.ClientFor(key)
	ok, err := c.Put(ctx, key, a)
	switch {
	case err != nil:
		log.Printf("PUT %s failed: %v", key, err)
	case !ok:
		log.Printf("PUT %s was not acknowledged", key)
	default:
		fmt.Printf("✓ PUT %s %s%v (%s) on %s\n", key, a.DType, a.Shape, a.Order, owner.Address())
	}
}

func get(ctx context.Context, c *client.Cluster, key string) {
	a, err := c.Get(ctx, key)
	switch {
	case err != nil:
		log.Printf("GET %s failed: %v", key, err)
	case a == nil:
		fmt.Printf("✓ GET %s = <absent>\n", key)
	default:
		fmt.Printf("✓ GET %s = %s%v (%s)\n", key, a.DType, a.Shape, a.Order)
		for i := 0; i < a.Len(); i++ {
			v, err := a.Float64At(unravel(i, a.Shape)...)
			if err != nil {
				log.Printf("element %d: %v", i, err)
				return
			}
			fmt.Printf("    [%d] %g\n", i, v)
		}
	}
}

// unravel turns a row-major flat position into an index.
func unravel(i int, shape []int) []int {
	idx := make([]int, len(shape))
	for ax := len(shape) - 1; ax >= 0; ax-- {
		idx[ax] = i % shape[ax]
		i /= shape[ax]
	}
	return idx
}
