package bloom_test

import (
	"fmt"

	"github.com/genc-murat/crystalsketch/pkg/bloom"
)

func Example() {
	f, err := bloom.New(1000, 0.01)
	if err != nil {
		panic(err)
	}

	f.AddString("alice")
	f.AddString("bob")

	fmt.Println(f.MightContainString("alice"))
	fmt.Println(f.M(), f.K())
	// Output:
	// true
	// 9586 7
}
