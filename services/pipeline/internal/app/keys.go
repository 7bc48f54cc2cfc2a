package app

import "fmt"

// Blob key layout inside the flower bucket.

const vasePrefix = "vases/"

func rawFlowerKey(userID, date string) string {
	return fmt.Sprintf("flowers/raw/%s/%s.png", userID, date)
}

func finalFlowerKey(userID, date string) string {
	return fmt.Sprintf("flowers/final/%s/%s.png", userID, date)
}
