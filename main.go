package main

import "pairchat-backend/internal/app"

func main() {
	app.Run()
}
